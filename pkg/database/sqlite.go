package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trapline/sentinelcore/pkg/apperrors"
	"github.com/trapline/sentinelcore/pkg/models"
)

// EventStore is the durable, tamper-evident event log backing the
// ingestion and query APIs. SQLite writes are serialized behind a single
// mutex: modernc.org/sqlite does not support concurrent writers on one
// connection, and the honeypot's write volume never approaches a point
// where that serialization is the bottleneck.
type EventStore struct {
	db       *sql.DB
	writeMu  sync.Mutex
	filePath string
}

// NewEventStore opens (creating if absent) the SQLite database at path
// and runs schema initialization.
func NewEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer file-backed database

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &EventStore{db: db, filePath: path}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *EventStore) Close() error {
	return s.db.Close()
}

// Ping verifies the underlying connection is alive, for health checks.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RowCount reports the total number of stored events, for health checks.
func (s *EventStore) RowCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&count); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return count, nil
}

// initSchema creates the logs table if absent and additively applies the
// five classification columns (ml_score through darknet_traffic_type) if
// an older table lacks them; no other column is migrated. ALTER TABLE ADD
// COLUMN failures from a column already existing are swallowed: this
// mirrors the original honeypot's migration strategy of never dropping
// or renaming a column in place.
func (s *EventStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			geo_country TEXT,
			geo_city TEXT,
			geo_region TEXT,
			geo_latitude REAL,
			geo_longitude REAL,
			geo_timezone TEXT,
			geo_isp TEXT,
			geo_org TEXT,
			protocol TEXT NOT NULL,
			target_service TEXT NOT NULL,
			action TEXT NOT NULL,
			target_file TEXT,
			headers TEXT,
			payload TEXT,
			session_id TEXT NOT NULL,
			user_agent TEXT,
			log_hash TEXT UNIQUE NOT NULL,
			ml_score REAL,
			ml_risk_level TEXT,
			is_anomaly INTEGER DEFAULT 0,
			predicted_attack_type TEXT,
			darknet_traffic_type TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create logs table: %w", err)
	}

	migrations := []string{
		"ALTER TABLE logs ADD COLUMN ml_score REAL",
		"ALTER TABLE logs ADD COLUMN ml_risk_level TEXT",
		"ALTER TABLE logs ADD COLUMN is_anomaly INTEGER DEFAULT 0",
		"ALTER TABLE logs ADD COLUMN predicted_attack_type TEXT",
		"ALTER TABLE logs ADD COLUMN darknet_traffic_type TEXT",
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate logs table (%s): %w", stmt, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_source_ip ON logs(source_ip)",
		"CREATE INDEX IF NOT EXISTS idx_timestamp ON logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_action ON logs(action)",
		"CREATE INDEX IF NOT EXISTS idx_target_service ON logs(target_service)",
		"CREATE INDEX IF NOT EXISTS idx_ml_score ON logs(ml_score)",
		"CREATE INDEX IF NOT EXISTS idx_is_anomaly ON logs(is_anomaly)",
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index (%s): %w", stmt, err)
		}
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

// Insert persists a fully enriched and scored event, returning its
// assigned row ID. A log_hash collision (a logically identical event
// already stored) surfaces as apperrors.ErrDuplicateEvent so the ingest
// handler can respond 409 instead of 500.
func (s *EventStore) Insert(ctx context.Context, e *models.Event) (int64, error) {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (
			timestamp, source_ip, geo_country, geo_city, geo_region,
			geo_latitude, geo_longitude, geo_timezone, geo_isp, geo_org,
			protocol, target_service, action, target_file, headers,
			payload, session_id, user_agent, log_hash,
			ml_score, ml_risk_level, is_anomaly, predicted_attack_type, darknet_traffic_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Timestamp, e.SourceIP, e.Geo.Country, e.Geo.City, e.Geo.Region,
		e.Geo.Latitude, e.Geo.Longitude, e.Geo.Timezone, e.Geo.ISP, e.Geo.Org,
		e.Protocol, e.TargetService, e.Action, e.TargetFile, string(headers),
		string(payload), e.SessionID, e.UserAgent, e.LogHash,
		e.Score, string(e.RiskLevel), boolToInt(e.IsAnomaly), string(e.PredictedAttackType), string(e.DarknetTrafficType),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, apperrors.ErrDuplicateEvent
		}
		return 0, fmt.Errorf("%w: insert event: %v", apperrors.ErrStoreIO, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: read inserted id: %v", apperrors.ErrStoreIO, err)
	}
	return id, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// QueryFilter narrows the result set for QueryLogs. Zero-valued fields are
// treated as "no filter" on that dimension.
type QueryFilter struct {
	SourceIP      string
	Action        string
	TargetService string
	RiskLevel     string
	MinScore      float64
	Since         time.Time
	Limit         int
}

// QueryLogs returns events most-recent-first matching filter.
func (s *EventStore) QueryLogs(ctx context.Context, filter QueryFilter) ([]models.Event, error) {
	query := strings.Builder{}
	query.WriteString("SELECT id, timestamp, source_ip, geo_country, geo_city, geo_region, geo_latitude, geo_longitude, geo_timezone, geo_isp, geo_org, protocol, target_service, action, target_file, headers, payload, session_id, user_agent, log_hash, ml_score, ml_risk_level, is_anomaly, predicted_attack_type, darknet_traffic_type, created_at FROM logs WHERE 1=1")

	var args []interface{}
	if filter.SourceIP != "" {
		query.WriteString(" AND source_ip = ?")
		args = append(args, filter.SourceIP)
	}
	if filter.Action != "" {
		query.WriteString(" AND action = ?")
		args = append(args, filter.Action)
	}
	if filter.TargetService != "" {
		query.WriteString(" AND target_service = ?")
		args = append(args, filter.TargetService)
	}
	if filter.MinScore > 0 {
		query.WriteString(" AND ml_score >= ?")
		args = append(args, filter.MinScore)
	}
	if filter.RiskLevel != "" {
		query.WriteString(" AND ml_risk_level = ?")
		args = append(args, filter.RiskLevel)
	}
	if !filter.Since.IsZero() {
		query.WriteString(" AND created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	query.WriteString(" ORDER BY id DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query logs: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var e models.Event
		var headers, payload sql.NullString
		var targetFile sql.NullString
		var country, city, region, timezone, isp, org sql.NullString
		var lat, lon sql.NullFloat64
		var isAnomaly int
		var createdAt string

		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.SourceIP, &country, &city, &region,
			&lat, &lon, &timezone, &isp, &org,
			&e.Protocol, &e.TargetService, &e.Action, &targetFile, &headers,
			&payload, &e.SessionID, &e.UserAgent, &e.LogHash,
			&e.Score, &e.RiskLevel, &isAnomaly, &e.PredictedAttackType, &e.DarknetTrafficType,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", apperrors.ErrStoreIO, err)
		}

		e.Geo.Country, e.Geo.City, e.Geo.Region = country.String, city.String, region.String
		e.Geo.Timezone, e.Geo.ISP, e.Geo.Org = timezone.String, isp.String, org.String
		if targetFile.Valid {
			tf := targetFile.String
			e.TargetFile = &tf
		}
		if lat.Valid {
			v := lat.Float64
			e.Geo.Latitude = &v
		}
		if lon.Valid {
			v := lon.Float64
			e.Geo.Longitude = &v
		}
		e.Headers = map[string]string{}
		if headers.Valid {
			if err := json.Unmarshal([]byte(headers.String), &e.Headers); err != nil {
				e.Headers = map[string]string{}
			}
		}
		e.Payload = json.RawMessage("{}")
		if payload.Valid && json.Valid([]byte(payload.String)) {
			e.Payload = json.RawMessage(payload.String)
		}
		e.IsAnomaly = isAnomaly != 0
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = ts
		} else if ts, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			e.CreatedAt = ts
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

// AnalyticsSummary aggregates the dashboard-level counters the analytics
// endpoint reports.
type AnalyticsSummary struct {
	TotalEvents      int64
	UniqueSources    int64
	AverageMLScore   float64
	HighScoreEvents  int64
	AnomalyEvents    int64
	TopActions       map[string]int64
	TopTargetService map[string]int64
	RiskLevelCounts  map[string]int64
}

// Analytics computes the aggregate counters backing the analytics view.
func (s *EventStore) Analytics(ctx context.Context) (AnalyticsSummary, error) {
	var summary AnalyticsSummary
	summary.TopActions = make(map[string]int64)
	summary.TopTargetService = make(map[string]int64)
	summary.RiskLevelCounts = make(map[string]int64)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&summary.TotalEvents); err != nil {
		return summary, fmt.Errorf("%w: count events: %v", apperrors.ErrStoreIO, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT source_ip) FROM logs").Scan(&summary.UniqueSources); err != nil {
		return summary, fmt.Errorf("%w: count sources: %v", apperrors.ErrStoreIO, err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(ml_score) FROM logs WHERE ml_score IS NOT NULL").Scan(&avg); err != nil {
		return summary, fmt.Errorf("%w: average score: %v", apperrors.ErrStoreIO, err)
	}
	summary.AverageMLScore = avg.Float64

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE ml_score >= 0.7").Scan(&summary.HighScoreEvents); err != nil {
		return summary, fmt.Errorf("%w: count high score: %v", apperrors.ErrStoreIO, err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE is_anomaly = 1").Scan(&summary.AnomalyEvents); err != nil {
		return summary, fmt.Errorf("%w: count anomalies: %v", apperrors.ErrStoreIO, err)
	}

	if err := fillCountMap(ctx, s.db, "SELECT action, COUNT(*) c FROM logs GROUP BY action ORDER BY c DESC LIMIT 10", summary.TopActions); err != nil {
		return summary, err
	}
	if err := fillCountMap(ctx, s.db, "SELECT target_service, COUNT(*) c FROM logs GROUP BY target_service ORDER BY c DESC LIMIT 10", summary.TopTargetService); err != nil {
		return summary, err
	}
	if err := fillCountMap(ctx, s.db, "SELECT ml_risk_level, COUNT(*) c FROM logs WHERE ml_risk_level IS NOT NULL GROUP BY ml_risk_level", summary.RiskLevelCounts); err != nil {
		return summary, err
	}

	return summary, nil
}

func fillCountMap(ctx context.Context, db *sql.DB, query string, dest map[string]int64) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrStoreIO, query, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("%w: scan count row: %v", apperrors.ErrStoreIO, err)
		}
		dest[key] = count
	}
	return rows.Err()
}

// BySourceIP returns the stored events from one address, newest first,
// bounded by limit.
func (s *EventStore) BySourceIP(ctx context.Context, ip string, limit int) ([]models.Event, error) {
	return s.QueryLogs(ctx, QueryFilter{SourceIP: ip, Limit: limit})
}
