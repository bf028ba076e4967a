package memory

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/internal/testutil"
	"github.com/mcp-memory/authz/storage"
	"github.com/mcp-memory/authz/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := New()
		t.Cleanup(s.Stop)
		return s
	})
}

func TestNewWithInterval_Default(t *testing.T) {
	s := NewWithInterval(0)
	defer s.Stop()

	if s.cleanupInterval != time.Minute {
		t.Errorf("cleanupInterval = %v, want 1m", s.cleanupInterval)
	}
}

func TestStore_CleanupLoop(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	defer s.Stop()

	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	code := testutil.NewCode("stale", "client-1", past, time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.GetAuthorizationCode(ctx, code.CodeHash); err == storage.ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expired code was not cleaned up")
}

func TestStore_StopTwice(t *testing.T) {
	s := New()
	s.Stop()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStore_SetLogger(t *testing.T) {
	var buf bytes.Buffer
	s := New()
	defer s.Stop()
	s.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	s.SetLogger(nil)

	ctx := context.Background()
	now := testutil.Epoch
	code := testutil.NewCode("logged", "client-1", now, time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, code.CodeHash, now, nil); err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	_, _ = s.ConsumeAuthorizationCode(ctx, code.CodeHash, now, nil)

	out := buf.String()
	if !strings.Contains(out, "already used") {
		t.Errorf("expected replay to be logged, got %q", out)
	}
	if strings.Contains(out, code.CodeHash) {
		t.Error("full code digest must not be logged")
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	defer s.Stop()
	if err := s.SetInstrumentation(inst); err != nil {
		t.Fatalf("SetInstrumentation() error = %v", err)
	}
	if err := s.CreateClient(context.Background(), testutil.NewClient("c1", testutil.Epoch)); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "authz_storage_clients") {
		t.Error("metrics output missing client gauge")
	}
}

func TestStore_ValidationErrors(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()

	if err := s.CreateClient(ctx, &storage.Client{}); err == nil {
		t.Error("CreateClient() without ID should fail")
	}
	if err := s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{}); err == nil {
		t.Error("SaveAuthorizationCode() without hash should fail")
	}
	if err := s.SaveAccessToken(ctx, nil); err == nil {
		t.Error("SaveAccessToken(nil) should fail")
	}
	if err := s.SaveRefreshToken(ctx, &storage.RefreshToken{}); err == nil {
		t.Error("SaveRefreshToken() without hash should fail")
	}
	if _, err := s.RotateRefreshToken(ctx, "x", time.Now(), nil, nil); err == nil {
		t.Error("RotateRefreshToken() without replacement should fail")
	}
}
