package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPNotifierSignsPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "topsecret", slog.Default())
	event := NewEvent(EventEscrowReleased, []string{"seller-1"}, map[string]interface{}{
		"escrowTransactionId": "esc_1",
	})
	n.Notify(context.Background(), event)

	select {
	case r := <-received:
		body := <-bodies
		if r.Header.Get("X-Launchbay-Event") != string(EventEscrowReleased) {
			t.Errorf("unexpected event header: %s", r.Header.Get("X-Launchbay-Event"))
		}
		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Launchbay-Signature"); got != want {
			t.Errorf("signature mismatch: got %s want %s", got, want)
		}
		var decoded Event
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if decoded.Type != EventEscrowReleased {
			t.Errorf("unexpected payload type: %s", decoded.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestHTTPNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", slog.Default())
	n.Notify(context.Background(), NewEvent(EventEscrowCreated, []string{"buyer-1"}, nil))

	deadline := time.After(10 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 attempts, got %d", calls.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestHTTPNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", slog.Default())
	n.Notify(context.Background(), NewEvent(EventEscrowCreated, []string{"buyer-1"}, nil))

	time.Sleep(2 * time.Second)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt for a 4xx response, got %d", got)
	}
}

func TestRecorderCapturesOrder(t *testing.T) {
	r := NewRecorder()
	r.Notify(context.Background(), NewEvent(EventEscrowCreated, nil, nil))
	r.Notify(context.Background(), NewEvent(EventEscrowHeld, nil, nil))

	types := r.Types()
	if len(types) != 2 || types[0] != EventEscrowCreated || types[1] != EventEscrowHeld {
		t.Errorf("unexpected captured types: %v", types)
	}
}
