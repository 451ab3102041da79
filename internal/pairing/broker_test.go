package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ricochet1k/beamlink/internal/domain"
	"github.com/ricochet1k/beamlink/internal/storage"
	"github.com/ricochet1k/beamlink/internal/trust"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t domain.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	trust  *trust.Store
	broker *Broker
	events *eventLog
	clock  *time.Time
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	backend, err := storage.NewJSONFileStore(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	events := &eventLog{}
	clock := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	store, err := trust.Open(backend, trust.Options{BcryptCost: bcrypt.MinCost, Emitter: events, Now: now})
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{trust: store, events: events, clock: &clock}
	opts.Emitter = events
	opts.Now = now
	env.broker = NewBroker(store, opts)
	return env
}

func (e *testEnv) advance(d time.Duration) { *e.clock = e.clock.Add(d) }

func TestRequest_Dedup(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, outcome, err := env.broker.Request("https://a.example.dev", "")
	if err != nil || outcome != OutcomeCreated {
		t.Fatalf("first Request = %v, %v; want created", outcome, err)
	}
	env.advance(time.Minute)
	req, outcome, err := env.broker.Request("https://A.example.dev", "")
	if err != nil || outcome != OutcomeRefreshed {
		t.Fatalf("second Request = %v, %v; want refreshed", outcome, err)
	}
	if !req.Timestamp.Equal(*env.clock) {
		t.Errorf("timestamp = %s, want refreshed to %s", req.Timestamp, *env.clock)
	}

	if got := len(env.broker.Pending()); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	if got := env.events.count(domain.EventConnectionRequest); got != 1 {
		t.Errorf("connection_request events = %d, want 1", got)
	}
}

func TestRequest_TrustedOriginIgnored(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, outcome, err := env.broker.Request("http://localhost:5173", "")
	if err != nil || outcome != OutcomeTrusted {
		t.Fatalf("Request = %v, %v; want trusted", outcome, err)
	}
	if len(env.broker.Pending()) != 0 {
		t.Error("trusted origin must not be queued")
	}
}

func TestRequest_InvalidOrigin(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, _, err := env.broker.Request("null", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestAccept_GeneratesSecret(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, _, err := env.broker.Request("https://a.example.dev", ""); err != nil {
		t.Fatal(err)
	}

	res, err := env.broker.Accept("https://a.example.dev")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if res.Secret == "" {
		t.Fatal("expected a generated secret")
	}
	if res.Record.TokenHash != "" {
		t.Error("accept result must not expose the hash")
	}
	if !res.Record.CreatedAt.Equal(*env.clock) || !res.Record.LastSeen.Equal(*env.clock) {
		t.Errorf("record timestamps = %s/%s, want now", res.Record.CreatedAt, res.Record.LastSeen)
	}
	if !env.trust.IsTrusted("https://a.example.dev") {
		t.Error("origin not trusted after accept")
	}
	if !env.trust.Verify("https://a.example.dev", res.Secret) {
		t.Error("generated secret does not verify")
	}
	if env.broker.IsPending("https://a.example.dev") {
		t.Error("pending entry not removed")
	}
	if env.events.count(domain.EventStatusUpdate) != 1 {
		t.Error("accept should broadcast status_update")
	}
}

func TestAccept_UsesClientSecret(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, _, err := env.broker.Request("https://a.example.dev", "client-secret")
	if err != nil {
		t.Fatal(err)
	}
	if !req.HasSecret {
		t.Error("pending request should note the secret")
	}

	res, err := env.broker.Accept("https://a.example.dev")
	if err != nil {
		t.Fatal(err)
	}
	if res.Secret != "" {
		t.Error("secret must not be generated when the client supplied one")
	}
	if !env.trust.Verify("https://a.example.dev", "client-secret") {
		t.Error("client secret does not verify")
	}
}

func TestAccept_NotPending(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.broker.Accept("https://a.example.dev"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDecline(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, _, err := env.broker.Request("https://a.example.dev", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.broker.Decline("https://a.example.dev"); err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if env.trust.IsTrusted("https://a.example.dev") {
		t.Error("declined origin became trusted")
	}
	if len(env.broker.Pending()) != 0 {
		t.Error("pending entry not removed")
	}
	if env.events.count(domain.EventPairingDeclined) != 1 {
		t.Error("expected pairing_declined acknowledgement")
	}
	if err := env.broker.Decline("https://a.example.dev"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Decline err = %v, want not found", err)
	}
}

func TestPendingExpires(t *testing.T) {
	env := newTestEnv(t, Options{PendingTTL: 10 * time.Minute})
	if _, _, err := env.broker.Request("https://a.example.dev", ""); err != nil {
		t.Fatal(err)
	}
	env.advance(9 * time.Minute)
	if _, _, err := env.broker.Request("https://b.example.dev", ""); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Minute)

	pending := env.broker.Pending()
	if len(pending) != 1 || pending[0].Origin != "https://b.example.dev" {
		t.Fatalf("pending = %+v, want only b", pending)
	}
	if _, err := env.broker.Accept("https://a.example.dev"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("accept of expired request err = %v, want not found", err)
	}
}

func TestMaxPendingEvictsOldest(t *testing.T) {
	env := newTestEnv(t, Options{MaxPending: 2})
	for _, o := range []string{"https://a.example.dev", "https://b.example.dev", "https://c.example.dev"} {
		if _, _, err := env.broker.Request(o, ""); err != nil {
			t.Fatal(err)
		}
		env.advance(time.Second)
	}

	pending := env.broker.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].Origin != "https://b.example.dev" || pending[1].Origin != "https://c.example.dev" {
		t.Errorf("pending = %+v, want b then c", pending)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.broker.Run(ctx, time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
