package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trapline/sentinelcore/pkg/apperrors"
	"github.com/trapline/sentinelcore/pkg/models"
)

// HourlyBucket is one point on a score-trend or volume-trend line,
// bucketed to UTC hour granularity per spec §4.5.
type HourlyBucket struct {
	Hour     string  `json:"hour"` // ISO-8601 with trailing "Z"
	AvgScore float64 `json:"avg_score"`
	Count    int64   `json:"count"`
}

// CountEntry is one row of a top-N breakdown.
type CountEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Since returns rows with id strictly greater than watermark, ascending by
// id, bounded by limit. This is the sole read path the live stream
// broadcaster's subscribers poll on catch-up (spec §4.4, §4.5).
func (s *EventStore) Since(ctx context.Context, watermark int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, source_ip, geo_country, geo_city, geo_region, geo_latitude, geo_longitude, geo_timezone, geo_isp, geo_org,
			protocol, target_service, action, target_file, headers, payload, session_id, user_agent, log_hash,
			ml_score, ml_risk_level, is_anomaly, predicted_attack_type, darknet_traffic_type, created_at
		FROM logs WHERE id > ? ORDER BY id ASC LIMIT ?`, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: since query: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MaxID reports the highest assigned row id, or 0 for an empty store.
func (s *EventStore) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM logs").Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: max id: %v", apperrors.ErrStoreIO, err)
	}
	return id.Int64, nil
}

// Recent24hCount reports how many events were inserted in the last 24
// hours, used by the analytics endpoint.
func (s *EventStore) Recent24hCount(ctx context.Context) (int64, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(storedTimeLayout)
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE created_at >= ?", cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: recent count: %v", apperrors.ErrStoreIO, err)
	}
	return count, nil
}

// TopCountries, TopSourceIPs report the highest-volume dimensions for the
// map and analytics endpoints.
func (s *EventStore) TopCountries(ctx context.Context, n int) ([]CountEntry, error) {
	return s.topN(ctx, "geo_country", n)
}

func (s *EventStore) TopSourceIPs(ctx context.Context, n int) ([]CountEntry, error) {
	return s.topN(ctx, "source_ip", n)
}

func (s *EventStore) TopActions(ctx context.Context, n int) ([]CountEntry, error) {
	return s.topN(ctx, "action", n)
}

func (s *EventStore) TopTargetServices(ctx context.Context, n int) ([]CountEntry, error) {
	return s.topN(ctx, "target_service", n)
}

func (s *EventStore) topN(ctx context.Context, column string, n int) ([]CountEntry, error) {
	if n <= 0 {
		n = 10
	}
	query := fmt.Sprintf("SELECT %s, COUNT(*) c FROM logs WHERE %s IS NOT NULL AND %s != '' GROUP BY %s ORDER BY c DESC LIMIT ?", column, column, column, column)
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("%w: top %s: %v", apperrors.ErrStoreIO, column, err)
	}
	defer rows.Close()

	var out []CountEntry
	for rows.Next() {
		var e CountEntry
		if err := rows.Scan(&e.Key, &e.Count); err != nil {
			return nil, fmt.Errorf("%w: scan top %s row: %v", apperrors.ErrStoreIO, column, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScoreDistribution buckets every stored score into its risk band,
// backing the ml_insights endpoint's distribution widget.
func (s *EventStore) ScoreDistribution(ctx context.Context) (map[string]int64, error) {
	dist := map[string]int64{
		string(models.RiskMinimal): 0,
		string(models.RiskLow):     0,
		string(models.RiskMedium):  0,
		string(models.RiskHigh):    0,
	}
	rows, err := s.db.QueryContext(ctx, "SELECT ml_risk_level, COUNT(*) FROM logs WHERE ml_risk_level IS NOT NULL GROUP BY ml_risk_level")
	if err != nil {
		return nil, fmt.Errorf("%w: score distribution: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("%w: scan score distribution row: %v", apperrors.ErrStoreIO, err)
		}
		dist[level] = count
	}
	return dist, rows.Err()
}

// DarknetDistribution reports counts per darknet traffic label, used by
// ml_insights.
func (s *EventStore) DarknetDistribution(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	rows, err := s.db.QueryContext(ctx, "SELECT darknet_traffic_type, COUNT(*) FROM logs WHERE darknet_traffic_type IS NOT NULL GROUP BY darknet_traffic_type")
	if err != nil {
		return nil, fmt.Errorf("%w: darknet distribution: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		var count int64
		if err := rows.Scan(&label, &count); err != nil {
			return nil, fmt.Errorf("%w: scan darknet distribution row: %v", apperrors.ErrStoreIO, err)
		}
		out[label] = count
	}
	return out, rows.Err()
}

// ScoreTrend computes the average score and event count per UTC hour over
// the trailing window hours, newest bucket last. SQLite's strftime keeps
// the bucketing in the database rather than pulling every row into Go.
func (s *EventStore) ScoreTrend(ctx context.Context, window time.Duration) ([]HourlyBucket, error) {
	cutoff := time.Now().UTC().Add(-window).Format(storedTimeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT%H:00:00Z', created_at) hour, AVG(ml_score), COUNT(*)
		FROM logs
		WHERE created_at >= ?
		GROUP BY hour
		ORDER BY hour ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: score trend: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		var avg sql.NullFloat64
		if err := rows.Scan(&b.Hour, &avg, &b.Count); err != nil {
			return nil, fmt.Errorf("%w: scan score trend row: %v", apperrors.ErrStoreIO, err)
		}
		b.AvgScore = avg.Float64
		out = append(out, b)
	}
	return out, rows.Err()
}

// SourceSummary is the investigation-view aggregate for a single address
// (spec §4.4 by_source).
type SourceSummary struct {
	SourceIP       string    `json:"source_ip"`
	Count          int64     `json:"count"`
	AvgScore       float64   `json:"avg_score"`
	MaxScore       float64   `json:"max_score"`
	UniqueActions  int64     `json:"unique_actions"`
	UniqueServices int64     `json:"unique_services"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// SummarizeSource computes the aggregate counters for the investigate
// endpoint. An address with zero stored events returns a zero-valued
// summary rather than an error.
func (s *EventStore) SummarizeSource(ctx context.Context, ip string) (SourceSummary, error) {
	summary := SourceSummary{SourceIP: ip}

	var count sql.NullInt64
	var avg, max sql.NullFloat64
	var uniqueActions, uniqueServices sql.NullInt64
	var first, last sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(ml_score), MAX(ml_score),
			COUNT(DISTINCT action), COUNT(DISTINCT target_service),
			MIN(created_at), MAX(created_at)
		FROM logs WHERE source_ip = ?`, ip).Scan(&count, &avg, &max, &uniqueActions, &uniqueServices, &first, &last)
	if err != nil {
		return summary, fmt.Errorf("%w: summarize source: %v", apperrors.ErrStoreIO, err)
	}

	summary.Count = count.Int64
	summary.AvgScore = avg.Float64
	summary.MaxScore = max.Float64
	summary.UniqueActions = uniqueActions.Int64
	summary.UniqueServices = uniqueServices.Int64
	if first.Valid {
		summary.FirstSeen = parseStoredTime(first.String)
	}
	if last.Valid {
		summary.LastSeen = parseStoredTime(last.String)
	}
	return summary, nil
}

// ScoreTrendForSource restricts ScoreTrend to a single address, used by
// the investigate endpoint's per-IP trend line.
func (s *EventStore) ScoreTrendForSource(ctx context.Context, ip string, window time.Duration) ([]HourlyBucket, error) {
	cutoff := time.Now().UTC().Add(-window).Format(storedTimeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%dT%H:00:00Z', created_at) hour, AVG(ml_score), COUNT(*)
		FROM logs
		WHERE source_ip = ? AND created_at >= ?
		GROUP BY hour
		ORDER BY hour ASC`, ip, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: score trend for source: %v", apperrors.ErrStoreIO, err)
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var b HourlyBucket
		var avgScore sql.NullFloat64
		if err := rows.Scan(&b.Hour, &avgScore, &b.Count); err != nil {
			return nil, fmt.Errorf("%w: scan score trend for source row: %v", apperrors.ErrStoreIO, err)
		}
		b.AvgScore = avgScore.Float64
		out = append(out, b)
	}
	return out, rows.Err()
}

// storedTimeLayout is the text form SQLite's CURRENT_TIMESTAMP default
// writes into created_at; cutoffs compared against that column as text
// must use the same layout.
const storedTimeLayout = "2006-01-02 15:04:05"

func parseStoredTime(raw string) time.Time {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(storedTimeLayout, raw); err == nil {
		return ts
	}
	return time.Time{}
}
