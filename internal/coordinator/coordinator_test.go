package coordinator

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pushpals/pushpals/internal/approvals"
	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/store"
)

// newIntegrationServer wires a real store + bus + approvals registry into a
// Server, mirroring how cmd/pushpalsd/main.go composes them, so handler
// tests exercise the full read-after-write path instead of mocks.
func newIntegrationServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "pushpals.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := bus.New(st, logger)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	reg := approvals.New(b)

	return New(Config{
		Store:     st,
		Bus:       b,
		Approvals: reg,
		Cfg: config.Config{
			WorkerHeartbeatTTLMs: 15_000,
			SweepIntervalMs:      5_000,
			StaleClaimTTLSeconds: 120,
		},
	})
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler(rec, r)
	return rec
}
