package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Catalog identifiers carry a type prefix so a bare id in a log line or an
// audit payload is self-describing. The tail is a ULID, lexicographically
// sortable by creation time.

func NewRole() string { return "role_" + fresh() }

func NewPermission() string { return "perm_" + fresh() }

func NewGrant() string { return "grant_" + fresh() }

func fresh() string {
	return strings.ToLower(ulid.Make().String())
}
