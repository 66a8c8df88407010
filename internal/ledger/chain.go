package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// ComputeHash binds an event to the whole prior chain:
// hex(sha256(prev-hash-bytes ++ canonical-payload-bytes)). The previous hash
// contributes its hexadecimal string bytes, matching the persisted layout
// external tooling recomputes against. An empty prevHash marks genesis.
func ComputeHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// SortEvents orders events by occurrence time, ties broken by ledger
// insertion time. This is the canonical replay and verification order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].RecordedAt.Before(events[j].RecordedAt)
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}

// VerifyEvents recomputes every hash in an ordered slice of events and
// checks each link to its predecessor. The first event's stored PrevHash is
// the trust anchor, so a range that starts immediately after a purged gap
// still verifies (checkpoint contract). Verification stops at the first
// mismatch and reports the offending event; nothing is ever repaired.
func VerifyEvents(events []Event) error {
	for i, ev := range events {
		payload, err := CanonicalPayload(ev.Payload)
		if err != nil {
			return &IntegrityError{EventID: ev.ID, Position: i, Reason: err.Error()}
		}
		if i > 0 && ev.PrevHash != events[i-1].Hash {
			return &IntegrityError{
				EventID:  ev.ID,
				Position: i,
				Reason:   fmt.Sprintf("prev_hash %s does not link to predecessor %s", ev.PrevHash, events[i-1].ID),
			}
		}
		if got := ComputeHash(ev.PrevHash, payload); got != ev.Hash {
			return &IntegrityError{
				EventID:  ev.ID,
				Position: i,
				Reason:   fmt.Sprintf("stored hash %s, recomputed %s", ev.Hash, got),
			}
		}
	}
	return nil
}

// SliceRange narrows an ordered event slice to the inclusive [fromID, toID]
// window. Empty identifiers leave the corresponding boundary open.
func SliceRange(events []Event, fromID, toID string) ([]Event, error) {
	start, end := 0, len(events)
	if fromID != "" {
		idx := indexOf(events, fromID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fromID)
		}
		start = idx
	}
	if toID != "" {
		idx := indexOf(events, toID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, toID)
		}
		end = idx + 1
	}
	if start > end {
		return nil, fmt.Errorf("%w: range boundaries out of order", ErrInvalidInput)
	}
	return events[start:end], nil
}

func indexOf(events []Event, id string) int {
	for i, ev := range events {
		if ev.ID == id {
			return i
		}
	}
	return -1
}
