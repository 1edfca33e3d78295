package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Send(ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiNotifier_SendsToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("sink down")}
	c := &recordingNotifier{}
	m := NewMultiNotifier(a, b, c)

	ev := Event{Kind: EventRunStarted, RunID: "run-1", IssueID: 42, At: time.Now()}
	err := m.Send(ev)
	if err == nil {
		t.Error("want the failing sink's error surfaced")
	}
	for i, n := range []*recordingNotifier{a, b, c} {
		if len(n.events) != 1 {
			t.Errorf("notifier %d events = %d, want 1", i, len(n.events))
		}
	}
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	ev := Event{Kind: EventRunVerified, RunID: "run-9", IssueID: 7, At: time.Now()}
	if err := n.Send(ev); err != nil {
		t.Fatal(err)
	}
	if got.Kind != EventRunVerified || got.RunID != "run-9" {
		t.Errorf("received event = %+v, want kind/run to round-trip", got)
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(Event{Kind: EventRunAborted}); err == nil {
		t.Error("want error on non-2xx response")
	}
}

func TestWebhookNotifier_DisabledWhenUnconfigured(t *testing.T) {
	n := NewWebhookNotifier("")
	if err := n.Send(Event{Kind: EventRunStarted}); err != nil {
		t.Errorf("disabled notifier should no-op, got %v", err)
	}
}
