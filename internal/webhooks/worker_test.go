package webhooks

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

	"poolroute/internal/model"
	"poolroute/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventRoutesOptimized, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	w.processOnce()

	if gotType != EventRoutesOptimized {
		t.Fatalf("missing type header: %q", gotType)
	}
	if err := Verify("secret", []byte(`{"id":"evt1"}`), gotSig, time.Now(), DefaultTolerance); err != nil {
		t.Fatalf("signature %q: %v", gotSig, err)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
}

func TestWorkerProcessOnce_Fail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "t1", "", EventRoutesOptimized, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.fails) == 0 {
		t.Fatalf("expected fail recorded")
	}
}

func TestWorkerRetriesBeforeDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "org", "", EventOptimizationFailed, srv.URL, "", []byte(`{}`))
	w.processOnce()
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].LastErr != "status 503" || len(rs.fails) != 0 {
		t.Fatalf("first failure should schedule a retry: marks=%+v fails=%+v", rs.marks, rs.fails)
	}
}

func TestNextBackoff(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatal("exponential backoff")
	}
	if nextBackoff(50) != 1024*time.Second {
		t.Fatalf("capped exponent, got %v", nextBackoff(50))
	}
}

func TestPublisherEmit(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_, _ = st.CreateSubscription(ctx, model.SubscriptionRequest{OrgID: "org", URL: "http://a", Events: []string{EventRoutesOptimized}, Secret: "s"})
	_, _ = st.CreateSubscription(ctx, model.SubscriptionRequest{OrgID: "org", URL: "http://b", Events: []string{EventOptimizationFailed}})
	p := NewPublisher(st, nil)
	if n := p.Emit(ctx, "org", EventRoutesOptimized, map[string]any{"jobId": "j1"}); n != 1 {
		t.Fatalf("queued %d", n)
	}
	due, _ := st.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].URL != "http://a" || due[0].Secret != "s" {
		t.Fatalf("due %+v", due)
	}
	var body map[string]any
	if err := json.Unmarshal(due[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["type"] != EventRoutesOptimized || body["orgId"] != "org" {
		t.Fatalf("payload %v", body)
	}
	if p.Emit(ctx, "other", EventRoutesOptimized, nil) != 0 {
		t.Fatal("other org has no subscriptions")
	}
}

func TestSignAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sig := Sign("k", []byte("body"), now)
	if !strings.HasPrefix(sig, "t=1700000000,v1=") {
		t.Fatalf("header %q", sig)
	}
	cases := []struct {
		name   string
		secret string
		body   string
		header string
		at     time.Time
		want   error
	}{
		{"valid", "k", "body", sig, now.Add(time.Minute), nil},
		{"tampered body", "k", "other", sig, now, ErrSignatureMismatch},
		{"wrong secret", "x", "body", sig, now, ErrSignatureMismatch},
		{"replayed late", "k", "body", sig, now.Add(time.Hour), ErrStaleSignature},
		{"garbage", "k", "body", "v1=zz", now, ErrMalformedSignature},
		{"no timestamp", "k", "body", "v1=00", now, ErrMalformedSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Verify(tc.secret, []byte(tc.body), tc.header, tc.at, DefaultTolerance); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}
