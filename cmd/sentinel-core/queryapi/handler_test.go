package queryapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/trapline/sentinelcore/cmd/sentinel-core/broadcaster"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/scoring"
	"github.com/trapline/sentinelcore/pkg/database"
	"github.com/trapline/sentinelcore/pkg/models"
)

func newTestStore(t *testing.T) *database.EventStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := database.NewEventStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedEvent(t *testing.T, store *database.EventStore, ip string, score float64, risk models.RiskLevel) *models.Event {
	t.Helper()
	e := &models.Event{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SourceIP:      ip,
		Protocol:      "HTTP",
		TargetService: "Git",
		Action:        "file_access",
		SessionID:     "sess-1",
		UserAgent:     "Unknown",
		Headers:       map[string]string{},
		Payload:       json.RawMessage("{}"),
		Geo:           models.UnknownGeo(),
		LogHash:       randomHash(t),
		Prediction: models.Prediction{
			Score:     score,
			RiskLevel: risk,
		},
	}
	id, err := store.Insert(context.Background(), e)
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	e.ID = id
	return e
}

var hashCounter int

func randomHash(t *testing.T) string {
	t.Helper()
	hashCounter++
	return "hash-" + time.Now().UTC().Format("150405.000000") + "-" + string(rune('a'+hashCounter%26))
}

func newTestApp(h *Handler) *fiber.App {
	app := fiber.New()
	app.Get("/live", h.Live)
	app.Get("/alerts", h.Alerts)
	app.Get("/analytics", h.Analytics)
	app.Get("/map", h.Map)
	app.Get("/ml_insights", h.MLInsights)
	app.Get("/investigate", h.Investigate)
	return app
}

func TestLive_ReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store, "1.1.1.1", 0.1, models.RiskMinimal)
	second := seedEvent(t, store, "1.1.1.1", 0.2, models.RiskLow)

	h := NewHandler(store, broadcaster.New(), scoring.NewEngine(""), nil)
	app := newTestApp(h)

	req := httptest.NewRequest(fiber.MethodGet, "/live", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		Events []models.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(body.Events))
	}
	if body.Events[0].ID != second.ID {
		t.Fatalf("expected newest-first ordering, got id %d first", body.Events[0].ID)
	}
}

func TestAlerts_ClampsThresholdFloor(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store, "2.2.2.2", 0.25, models.RiskLow)
	above := seedEvent(t, store, "2.2.2.2", 0.35, models.RiskMedium)

	h := NewHandler(store, broadcaster.New(), scoring.NewEngine(""), nil)
	app := newTestApp(h)

	req := httptest.NewRequest(fiber.MethodGet, "/alerts?threshold=0.05", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		Alerts    []models.Event `json:"alerts"`
		Threshold float64        `json:"threshold"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Threshold != alertsThreshold {
		t.Fatalf("expected threshold clamped to %v, got %v", alertsThreshold, body.Threshold)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].ID != above.ID {
		t.Fatalf("expected only the above-floor event, got %+v", body.Alerts)
	}
}

func TestInvestigate_RequiresSourceIP(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, broadcaster.New(), scoring.NewEngine(""), nil)
	app := newTestApp(h)

	req := httptest.NewRequest(fiber.MethodGet, "/investigate", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for missing source_ip, got %d", resp.StatusCode)
	}
}

func TestInvestigate_SummarizesAllRowsForAddress(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store, "3.3.3.3", 0.4, models.RiskMedium)
	seedEvent(t, store, "3.3.3.3", 0.8, models.RiskHigh)
	seedEvent(t, store, "9.9.9.9", 0.1, models.RiskMinimal)

	h := NewHandler(store, broadcaster.New(), scoring.NewEngine(""), nil)
	app := newTestApp(h)

	req := httptest.NewRequest(fiber.MethodGet, "/investigate?source_ip=3.3.3.3", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		Events  []models.Event         `json:"events"`
		Summary database.SourceSummary `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("expected 2 events for 3.3.3.3, got %d", len(body.Events))
	}
	if body.Summary.Count != 2 {
		t.Fatalf("expected summary count 2, got %d", body.Summary.Count)
	}
	if body.Summary.MaxScore != 0.8 {
		t.Fatalf("expected max score 0.8, got %v", body.Summary.MaxScore)
	}
}

func TestAnalytics_NeverReturnsErrorStatus(t *testing.T) {
	store := newTestStore(t)
	seedEvent(t, store, "4.4.4.4", 0.9, models.RiskHigh)

	h := NewHandler(store, broadcaster.New(), scoring.NewEngine(""), nil)
	app := newTestApp(h)

	req := httptest.NewRequest(fiber.MethodGet, "/analytics", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("analytics endpoint must always return 200, got %d", resp.StatusCode)
	}
}
