package inbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/recoverd/internal/notify"
)

func TestRemoteDeliver(t *testing.T) {
	var got Payload
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ev := notify.NewEvent(notify.EventMatchFound, "Match found", "", map[string]any{"match_id": "m1"})
	r := NewRemote(srv.URL+"/", "s3cret", time.Second)
	if err := r.Deliver(context.Background(), "u1", ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got.RecipientID != "u1" || got.Event.ID != ev.ID {
		t.Errorf("payload = %+v, want recipient u1 and event %s", got, ev.ID)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", auth)
	}
	if idem != ev.ID {
		t.Errorf("Idempotency-Key = %q, want %q", idem, ev.ID)
	}
}

func TestRemoteDeliver_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewRemote(srv.URL, "", time.Second).Deliver(context.Background(), "u1", notify.NewEvent(notify.EventSystemAlert, "x", "", nil))
	if err == nil {
		t.Fatal("expected error for HTTP 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "inbox full") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestRemoteDeliver_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	err := NewRemote(srv.URL, "", 50*time.Millisecond).Deliver(context.Background(), "u1", notify.NewEvent(notify.EventSystemAlert, "x", "", nil))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Deliver took %v, want bounded by client timeout", time.Since(start))
	}
}
