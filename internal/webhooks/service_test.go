package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type received struct {
	body      []byte
	signature string
}

func newReceiver(t *testing.T, status int) (*httptest.Server, *[]received, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{body: body, signature: r.Header.Get("X-Mesh-Signature")})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func TestDispatch_deliversSignedEvent(t *testing.T) {
	srv, got, mu := newReceiver(t, http.StatusOK)

	svc := NewService(zap.NewNop())
	sub, err := svc.Subscribe(&CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventAgentRevoked},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(context.Background(), EventAgentRevoked, map[string]string{
		"did":    "did:mesh:abc",
		"reason": "compromised",
	})
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("deliveries: %d", len(*got))
	}
	d := (*got)[0]
	if !VerifySignature(d.body, sub.Secret, d.signature) {
		t.Error("signature does not verify")
	}
	var ev Event
	if err := json.Unmarshal(d.body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventAgentRevoked || ev.Payload["did"] != "did:mesh:abc" {
		t.Errorf("event: %+v", ev)
	}
}

func TestDispatch_eventFilter(t *testing.T) {
	srv, got, mu := newReceiver(t, http.StatusOK)

	svc := NewService(zap.NewNop())
	if _, err := svc.Subscribe(&CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{EventTrustRevocation},
	}); err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(context.Background(), EventAgentRegistered, map[string]string{"did": "x"})
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("unexpected deliveries: %d", len(*got))
	}
}

func TestDispatch_wildcardSubscription(t *testing.T) {
	srv, got, mu := newReceiver(t, http.StatusOK)

	svc := NewService(zap.NewNop())
	if _, err := svc.Subscribe(&CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{"*"},
	}); err != nil {
		t.Fatal(err)
	}

	svc.Dispatch(context.Background(), EventDelegation, map[string]string{"issuer": "a"})
	svc.Dispatch(context.Background(), EventAgentRegistered, map[string]string{"did": "b"})
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Errorf("deliveries: %d", len(*got))
	}
}

func TestDispatch_failureRecordsMetricAndRetriesStopOnCancel(t *testing.T) {
	srv, _, _ := newReceiver(t, http.StatusInternalServerError)

	var mu sync.Mutex
	outcomes := []bool{}
	svc := NewService(zap.NewNop())
	svc.SetMetricsRecorder(func(success bool) {
		mu.Lock()
		outcomes = append(outcomes, success)
		mu.Unlock()
	})
	if _, err := svc.Subscribe(&CreateSubscriptionRequest{
		URL:    srv.URL,
		Events: []string{"*"},
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.Dispatch(ctx, EventAgentRevoked, map[string]string{"did": "x"})

	// Give the first attempt time to land, then cancel so the delivery
	// goroutine does not sit out the retry backoff.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(outcomes)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) == 0 || outcomes[0] {
		t.Errorf("outcomes: %v", outcomes)
	}
}

func TestUnsubscribe(t *testing.T) {
	svc := NewService(zap.NewNop())
	sub, err := svc.Subscribe(&CreateSubscriptionRequest{
		URL:    "http://localhost/hook",
		Events: []string{"*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(svc.List()); got != 1 {
		t.Fatalf("subscriptions: %d", got)
	}
	if err := svc.Unsubscribe(sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Unsubscribe(sub.ID); err == nil {
		t.Error("expected ErrNotFound on repeat unsubscribe")
	}
	if got := len(svc.List()); got != 0 {
		t.Errorf("subscriptions after delete: %d", got)
	}
}
