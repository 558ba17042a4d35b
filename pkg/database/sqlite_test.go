package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/trapline/sentinelcore/pkg/apperrors"
	"github.com/trapline/sentinelcore/pkg/models"
)

func newStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := NewEventStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleEvent(hash, ip string) *models.Event {
	return &models.Event{
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
		LogHash:       hash,
		Prediction:    models.Prediction{Score: 0.5, RiskLevel: models.RiskMedium},
	}
}

func TestInsert_DuplicateHashRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := sampleEvent("dup-hash", "5.5.5.5")
	if _, err := store.Insert(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second := sampleEvent("dup-hash", "5.5.5.5")
	_, err := store.Insert(ctx, second)
	if !errors.Is(err, apperrors.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	rows, err := store.QueryLogs(ctx, QueryFilter{SourceIP: "5.5.5.5"})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 stored row after duplicate rejection, got %d", len(rows))
	}
}

func TestSince_ReturnsOnlyRowsStrictlyAboveWatermark(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := sampleEvent("hash-a", "6.6.6.6")
	id1, err := store.Insert(ctx, first)
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := sampleEvent("hash-b", "6.6.6.6")
	id2, err := store.Insert(ctx, second)
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}

	rows, err := store.Since(ctx, id1, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id2 {
		t.Fatalf("expected exactly row id %d, got %+v", id2, rows)
	}

	maxID, err := store.MaxID(ctx)
	if err != nil {
		t.Fatalf("max id: %v", err)
	}
	empty, err := store.Since(ctx, maxID, 10)
	if err != nil {
		t.Fatalf("since at max: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no rows since the max id, got %d", len(empty))
	}
}

func TestSummarizeSource_AggregatesAcrossInserts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a := sampleEvent("hash-1", "7.7.7.7")
	a.Score = 0.3
	b := sampleEvent("hash-2", "7.7.7.7")
	b.Score = 0.9
	b.Action = "git_push"

	if _, err := store.Insert(ctx, a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := store.Insert(ctx, b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	summary, err := store.SummarizeSource(ctx, "7.7.7.7")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Count != 2 {
		t.Fatalf("expected count 2, got %d", summary.Count)
	}
	if summary.MaxScore != 0.9 {
		t.Fatalf("expected max score 0.9, got %v", summary.MaxScore)
	}
	if summary.UniqueActions != 2 {
		t.Fatalf("expected 2 unique actions, got %d", summary.UniqueActions)
	}
}

func TestQueryLogs_MalformedPersistedJSONDegradesToEmptyObject(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// Simulate on-disk corruption directly (bypassing Insert's normal
	// json.Marshal path), since Insert itself never produces invalid JSON.
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO logs (
			timestamp, source_ip, geo_country, geo_city, geo_region,
			protocol, target_service, action, headers, payload,
			session_id, user_agent, log_hash, ml_score, ml_risk_level,
			is_anomaly, predicted_attack_type, darknet_traffic_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		time.Now().UTC().Format(time.RFC3339), "9.9.9.9", "unknown", "unknown", "unknown",
		"HTTP", "Git", "file_access", "{not valid json", "{also not valid",
		"sess-1", "Unknown", "corrupt-hash", 0.1, "MINIMAL",
		0, "NORMAL", "UNKNOWN",
	)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	rows, err := store.QueryLogs(ctx, QueryFilter{SourceIP: "9.9.9.9"})
	if err != nil {
		t.Fatalf("query logs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row, got %d", len(rows))
	}
	if rows[0].Headers == nil || len(rows[0].Headers) != 0 {
		t.Fatalf("expected headers to degrade to an empty object, got %#v", rows[0].Headers)
	}
	if string(rows[0].Payload) != "{}" {
		t.Fatalf("expected payload to degrade to {}, got %q", string(rows[0].Payload))
	}
}

func TestInsert_StoredLogHashRoundTripsUnchanged(t *testing.T) {
	// The store does not recompute the hash; it must persist and return
	// the log_hash it was given without altering it.
	store := newStore(t)
	ctx := context.Background()
	e := sampleEvent("stable-hash", "8.8.8.8")
	if _, err := store.Insert(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows, err := store.QueryLogs(ctx, QueryFilter{SourceIP: "8.8.8.8"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].LogHash != "stable-hash" {
		t.Fatalf("expected stored hash to round-trip unchanged, got %+v", rows)
	}
}
