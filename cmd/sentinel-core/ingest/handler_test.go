package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/trapline/sentinelcore/cmd/sentinel-core/broadcaster"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/geoip"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/scoring"
	"github.com/trapline/sentinelcore/pkg/database"
)

func newTestHandler(t *testing.T) (*Handler, *database.EventStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := database.NewEventStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	geoProvider := geoip.NewProvider("", 2*time.Second, nil)
	scorer := scoring.NewEngine("")
	bus := broadcaster.New()

	return NewHandler(store, geoProvider, scorer, bus, nil, nil), store
}

func newTestApp(h *Handler) *fiber.App {
	app := fiber.New()
	app.Post("/log", h.Receive)
	return app
}

func postJSON(t *testing.T, app *fiber.App, body map[string]interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(fiber.MethodPost, "/log", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp.StatusCode
}

func TestReceive_MissingRequiredFieldRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h)

	code := postJSON(t, app, map[string]interface{}{
		"action": "file_access",
	})

	if code != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", code)
	}
}

func TestReceive_ValidEventStoresAndScores(t *testing.T) {
	h, store := newTestHandler(t)
	app := newTestApp(h)

	code := postJSON(t, app, map[string]interface{}{
		"source_ip":      "192.168.1.10",
		"action":         "file_access",
		"target_service": "Git Service",
		"session_id":     "sess-1",
		"target_file":    ".env",
	})

	if code != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	events, err := store.QueryLogs(context.Background(), database.QueryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(events))
	}
	if events[0].LogHash == "" {
		t.Fatalf("expected a non-empty log hash")
	}
}

func TestReceive_DuplicateEventRejectedWithConflict(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h)

	body := map[string]interface{}{
		"source_ip":      "192.168.1.11",
		"action":         "scan",
		"target_service": "Git Service",
		"session_id":     "sess-2",
		"timestamp":      "2026-01-01T00:00:00Z",
	}

	first := postJSON(t, app, body)
	if first != fiber.StatusOK {
		t.Fatalf("expected first insert to succeed, got %d", first)
	}

	second := postJSON(t, app, body)
	if second != fiber.StatusConflict {
		t.Fatalf("expected 409 for duplicate event, got %d", second)
	}
}
