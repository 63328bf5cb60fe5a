package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "FlowSend-Chain/internal/errors"
)

func sampleEvent() Event {
	return Event{
		Code:       "SETTLEMENT_FAILED",
		Message:    "Circle API error: 500",
		Severity:   xerrors.SeverityCritical,
		RequestID:  "01HX",
		TxID:       "0xtx",
		Metadata:   map[string]string{"bank_account_id": "abc123", "amount": "50"},
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

type recordingSender struct {
	mu       sync.Mutex
	channel  string
	messages []string
	err      error
}

func (r *recordingSender) Send(_ context.Context, channel, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = channel
	r.messages = append(r.messages, content)
	return r.err
}

func TestSlackNotifierFormatsDetails(t *testing.T) {
	sender := &recordingSender{}
	n := &SlackNotifier{Sender: sender, ChannelID: "#ops"}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.channel != "#ops" || len(sender.messages) != 1 {
		t.Fatalf("unexpected send: %+v", sender)
	}
	msg := sender.messages[0]
	if !strings.Contains(msg, "tx: 0xtx") || !strings.Contains(msg, "- amount: 50\n- bank_account_id: abc123") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.RequestID != "01HX" || got.Metadata["bank_account_id"] != "abc123" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	if err := NewWebhookNotifier(srv.URL, 0).Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if err := NewWebhookNotifier("", 0).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := &recordingSender{err: errors.New("slack down")}
	d := NewFanout(&SlackNotifier{Sender: failing}, LogNotifier{}, nil)
	err := d.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected slack error, got %v", err)
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}
