package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcp-memory/authz/internal/testutil"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage/memory"
	"github.com/mcp-memory/authz/storage/mock"
)

func TestJanitor_RunOnce(t *testing.T) {
	srv, clock := newTestServer(t, &Config{AuthorizationCodeTTL: 60, ExpiredRetention: 3600})
	ctx := context.Background()
	client, _ := registerTestClient(t, srv)
	code := authorizeCode(t, srv, client.ClientID)
	hash := security.TokenKey(code)

	j := srv.NewJanitor()

	// expired but inside the retention window
	clock.Advance(30 * time.Minute)
	result, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Codes != 0 {
		t.Errorf("Codes = %d, want 0 inside retention", result.Codes)
	}
	if _, err := srv.Store().GetAuthorizationCode(ctx, hash); err != nil {
		t.Errorf("code should survive inside retention: %v", err)
	}

	clock.Advance(time.Hour)
	result, err = j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Codes != 1 {
		t.Errorf("Codes = %d, want 1", result.Codes)
	}
}

func TestJanitor_RunOnceStoreFailure(t *testing.T) {
	backing := memory.New()
	defer backing.Stop()
	store := mock.New(backing)
	store.FailOn(mock.MethodDeleteExpired, errors.New("read-only replica"))

	j := NewJanitor(store, time.Minute, time.Hour, discardLogger())
	_, err := j.RunOnce(context.Background())
	wantKind(t, err, KindStoreUnavailable)
}

func TestJanitor_StartStop(t *testing.T) {
	backing := memory.New()
	defer backing.Stop()
	store := mock.New(backing)

	j := NewJanitor(store, 10*time.Millisecond, time.Hour, discardLogger())
	j.now = testutil.NewClock(testutil.Epoch).Now
	j.Start(context.Background())
	j.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for store.Calls(mock.MethodDeleteExpired) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	j.Stop()
	j.Stop()

	calls := store.Calls(mock.MethodDeleteExpired)
	if calls < 2 {
		t.Fatalf("DeleteExpired calls = %d, want at least 2", calls)
	}
	time.Sleep(30 * time.Millisecond)
	if store.Calls(mock.MethodDeleteExpired) != calls {
		t.Error("janitor kept sweeping after Stop")
	}
}

func TestJanitor_ZeroIntervalNeverStarts(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	j := NewJanitor(store, 0, time.Hour, discardLogger())
	j.Start(context.Background())
	if j.running {
		t.Error("a zero interval should leave the janitor idle")
	}
	j.Stop()
}
