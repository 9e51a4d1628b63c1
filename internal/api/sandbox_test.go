package api

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/mailhop/mailhop/internal/provider"
)

func setupSandboxServer(t *testing.T) (*apiEnv, *provider.SandboxProvider) {
	t.Helper()

	env := setupServer(t, "")

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sandbox.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sandbox, err := provider.NewSandboxProvider(db, testLogger())
	if err != nil {
		t.Fatalf("failed to create sandbox provider: %v", err)
	}

	// Rebuild the server so the sandbox routes are mounted.
	deps := env.server.deps
	deps.Sandbox = sandbox
	env.server = NewServer(deps, env.server.config, env.server.logger)
	return env, sandbox
}

func TestSandboxEndpoints(t *testing.T) {
	env, sandbox := setupSandboxServer(t)
	ctx := context.Background()

	res, err := sandbox.Send(ctx, &provider.Mail{
		From:    "no-reply@example.com",
		To:      []string{"alice@example.org"},
		Subject: "Hello",
		Text:    "Hello Alice",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	rec := doRequest(t, env.server, http.MethodGet, "/api/v1/sandbox/messages", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d, want 200", rec.Code)
	}
	list := decode[SandboxListResponse](t, rec)
	if list.Total != 1 {
		t.Fatalf("Total = %d, want 1", list.Total)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/sandbox/messages/"+res.ProviderMessageID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d, want 200", rec.Code)
	}
	msg := decode[provider.CapturedMail](t, rec)
	if msg.Subject != "Hello" {
		t.Errorf("Subject = %q, want Hello", msg.Subject)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/sandbox/messages/no-such-id", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodDelete, "/api/v1/sandbox/messages", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/api/v1/sandbox/messages", nil, nil)
	list = decode[SandboxListResponse](t, rec)
	if list.Total != 0 {
		t.Errorf("Total after clear = %d, want 0", list.Total)
	}
}

func TestSandboxRoutesAbsentWithoutProvider(t *testing.T) {
	env := setupServer(t, "")

	rec := doRequest(t, env.server, http.MethodGet, "/api/v1/sandbox/messages", nil, nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
