package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// smoke-audit exercises a running API end to end: issue a token, mutate the
// catalog, confirm the mutation landed in the ledger, and verify the chain.
func main() {
	base := os.Getenv("PLANVAULT_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	user := os.Getenv("PLANVAULT_SMOKE_USER")
	if user == "" {
		user = "smoke-admin"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	token := obtainToken(client, base, user)
	roleName := fmt.Sprintf("smoke-%06d", rand.Intn(1_000_000))

	var role struct {
		ID string `json:"id"`
	}
	call(client, http.MethodPost, base+"/v1/roles", token,
		map[string]any{"name": roleName}, http.StatusCreated, &role)
	log.Printf("created role %s (%s)", roleName, role.ID)

	var events struct {
		Items []struct {
			ID        string `json:"id"`
			SubjectID string `json:"subject_id"`
		} `json:"items"`
	}
	call(client, http.MethodGet, base+"/v1/audit/events?name=role.created", token,
		nil, http.StatusOK, &events)
	found := false
	for _, ev := range events.Items {
		if ev.SubjectID == role.ID {
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("role.created event for %s not found in the ledger", role.ID)
	}

	var verdict struct {
		Status   string `json:"status"`
		TailHash string `json:"tail_hash"`
	}
	call(client, http.MethodPost, base+"/v1/audit/verify", token, nil, http.StatusOK, &verdict)
	if verdict.Status != "ok" || verdict.TailHash == "" {
		log.Fatalf("chain verification failed: %+v", verdict)
	}

	call(client, http.MethodDelete, base+"/v1/roles/"+role.ID, token, nil, http.StatusNoContent, nil)
	log.Printf("smoke ok, tail hash %s", verdict.TailHash)
}

func obtainToken(client *http.Client, base, user string) string {
	var resp struct {
		Token string `json:"token"`
	}
	call(client, http.MethodPost, base+"/v1/auth/token", "",
		map[string]any{"user": user}, http.StatusOK, &resp)
	if resp.Token == "" {
		log.Fatal("empty token issued")
	}
	return resp.Token
}

func call(client *http.Client, method, url, token string, body any, wantStatus int, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode response: %v", err)
		}
	}
}
