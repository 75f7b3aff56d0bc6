package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", req.Method)
		}
		if got := req.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %s", got)
		}
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = notifier.Notify(context.Background(), Notification{
		ID:        "notif_1",
		Kind:      KindApprovalRequested,
		RequestID: "req_1",
		Action:    "send_email",
		Recipient: "operator",
		Subject:   "approval required",
		Urgency:   "high",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if received["kind"] != "approval_requested" || received["request_id"] != "req_1" {
		t.Fatalf("unexpected payload %+v", received)
	}
}

func TestWebhookNotifierRejectsFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "downstream unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), Notification{ID: "notif_1"}); err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestWebhookNotifierValidatesURL(t *testing.T) {
	if _, err := NewWebhookNotifier("", time.Second); err == nil {
		t.Fatal("expected an error for an empty url")
	}
	if _, err := NewWebhookNotifier("ftp://example.com/hook", time.Second); err == nil {
		t.Fatal("expected an error for a non-http scheme")
	}
}
