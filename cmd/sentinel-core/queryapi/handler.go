// Package queryapi implements the read-only query and live-stream surface
// described in spec §4.5: bounded, newest-first retrieval, dashboard
// aggregations, per-source investigation, and a server-sent event feed.
// Every endpoint degrades to an empty-structure success body plus a
// non-fatal "error" field on internal fault (spec §7) so dashboard
// widgets never have to handle a 5xx.
package queryapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/trapline/sentinelcore/cmd/sentinel-core/broadcaster"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/scoring"
	"github.com/trapline/sentinelcore/pkg/database"
	"github.com/trapline/sentinelcore/pkg/models"
)

const (
	defaultLimit    = 100
	maxLimit        = 1000
	alertsThreshold = 0.30
	trendWindow     = 24 * time.Hour
)

// Handler wires the store and broadcaster dependencies the query/stream
// endpoints read from.
type Handler struct {
	store  *database.EventStore
	bus    *broadcaster.Broadcaster
	scorer *scoring.Engine       // nil-safe: Metadata() call is skipped when absent
	redis  *database.RedisClient // nil-safe: skipped when Redis is not configured
}

func NewHandler(store *database.EventStore, bus *broadcaster.Broadcaster, scorer *scoring.Engine, rdb *database.RedisClient) *Handler {
	return &Handler{store: store, bus: bus, scorer: scorer, redis: rdb}
}

func boundedLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Live serves the most recent events, optionally filtered by source_ip or
// a minimum score.
func (h *Handler) Live(c *fiber.Ctx) error {
	filter := database.QueryFilter{
		SourceIP: c.Query("source_ip"),
		MinScore: c.QueryFloat("min_score", 0),
		Limit:    boundedLimit(c),
	}

	events, err := h.store.QueryLogs(c.Context(), filter)
	if err != nil {
		log.Printf("[QueryAPI] live query failed: %v", err)
		return c.JSON(fiber.Map{"events": []models.Event{}, "error": "live query temporarily unavailable"})
	}
	return c.JSON(fiber.Map{"events": eventsOrEmpty(events), "count": len(events)})
}

// Alerts serves events at or above a risk threshold. A requested
// threshold below the floor is silently raised (spec §4.5 "Alerts
// threshold floor").
func (h *Handler) Alerts(c *fiber.Ctx) error {
	threshold := c.QueryFloat("threshold", alertsThreshold)
	if threshold < alertsThreshold {
		threshold = alertsThreshold
	}

	filter := database.QueryFilter{MinScore: threshold, Limit: boundedLimit(c)}
	events, err := h.store.QueryLogs(c.Context(), filter)
	if err != nil {
		log.Printf("[QueryAPI] alerts query failed: %v", err)
		return c.JSON(fiber.Map{"alerts": []models.Event{}, "threshold": threshold, "error": "alerts query temporarily unavailable"})
	}
	return c.JSON(fiber.Map{"alerts": eventsOrEmpty(events), "threshold": threshold, "count": len(events)})
}

// Analytics serves the dashboard's totals, top-N breakdowns, and 24-hour
// hourly trend.
func (h *Handler) Analytics(c *fiber.Ctx) error {
	ctx := c.Context()

	summary, err := h.store.Analytics(ctx)
	if err != nil {
		log.Printf("[QueryAPI] analytics summary failed: %v", err)
		return c.JSON(emptyAnalytics("analytics temporarily unavailable"))
	}

	recent, err := h.store.Recent24hCount(ctx)
	if err != nil {
		log.Printf("[QueryAPI] recent-24h count failed: %v", err)
	}

	trend, err := h.store.ScoreTrend(ctx, trendWindow)
	if err != nil {
		log.Printf("[QueryAPI] score trend failed: %v", err)
		trend = []database.HourlyBucket{}
	}

	topSources, _ := h.store.TopSourceIPs(ctx, 10)
	topActions, _ := h.store.TopActions(ctx, 10)
	topServices, _ := h.store.TopTargetServices(ctx, 10)

	return c.JSON(fiber.Map{
		"total_events":       summary.TotalEvents,
		"unique_sources":     summary.UniqueSources,
		"average_score":      summary.AverageMLScore,
		"high_score_events":  summary.HighScoreEvents,
		"anomaly_events":     summary.AnomalyEvents,
		"recent_24h_count":   recent,
		"risk_level_counts":  orEmptyCountMap(summary.RiskLevelCounts),
		"top_actions":        orEmptyEntries(topActions),
		"top_target_service": orEmptyEntries(topServices),
		"top_source_ips":     orEmptyEntries(topSources),
		"score_trend":        orEmptyBuckets(trend),
	})
}

// Map serves geo-aggregated attack points and per-country totals for the
// dashboard's map widget.
func (h *Handler) Map(c *fiber.Ctx) error {
	ctx := c.Context()

	countries, err := h.store.TopCountries(ctx, 50)
	if err != nil {
		log.Printf("[QueryAPI] map country aggregation failed: %v", err)
		return c.JSON(fiber.Map{"points": []models.Event{}, "countries": []database.CountEntry{}, "error": "map data temporarily unavailable"})
	}

	points, err := h.store.QueryLogs(ctx, database.QueryFilter{MinScore: alertsThreshold, Limit: 500})
	if err != nil {
		log.Printf("[QueryAPI] map points query failed: %v", err)
		points = nil
	}

	return c.JSON(fiber.Map{
		"countries": orEmptyEntries(countries),
		"points":    eventsOrEmpty(points),
	})
}

// MLInsights serves score averages, risk/darknet distributions, and model
// bundle metadata for the dashboard's ML panel. Its "high_score_sources"
// list holds the ten source addresses with the most stored events; it is
// not filtered or ranked by score.
func (h *Handler) MLInsights(c *fiber.Ctx) error {
	ctx := c.Context()

	summary, err := h.store.Analytics(ctx)
	if err != nil {
		log.Printf("[QueryAPI] ml_insights analytics failed: %v", err)
		summary = database.AnalyticsSummary{}
	}

	riskDist, err := h.store.ScoreDistribution(ctx)
	if err != nil {
		log.Printf("[QueryAPI] score distribution failed: %v", err)
		riskDist = map[string]int64{}
	}

	darknetDist, err := h.store.DarknetDistribution(ctx)
	if err != nil {
		log.Printf("[QueryAPI] darknet distribution failed: %v", err)
		darknetDist = map[string]int64{}
	}

	highScoreSources, err := h.store.TopSourceIPs(ctx, 10)
	if err != nil {
		highScoreSources = nil
	}

	var modelMeta interface{} = fiber.Map{}
	if h.scorer != nil {
		modelMeta = h.scorer.Metadata()
	}

	return c.JSON(fiber.Map{
		"average_score":        summary.AverageMLScore,
		"high_score_sources":   orEmptyEntries(highScoreSources),
		"risk_level_dist":      orEmptyCountMap(riskDist),
		"darknet_traffic_dist": orEmptyCountMap(darknetDist),
		"model_metadata":       modelMeta,
	})
}

// Investigate serves the deep per-address view: all stored rows plus the
// derived summary and hourly trend (spec §4.5 investigate, §4.4 by_source).
func (h *Handler) Investigate(c *fiber.Ctx) error {
	ip := c.Query("source_ip")
	if ip == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "source_ip is required"})
	}

	ctx := c.Context()

	events, err := h.store.QueryLogs(ctx, database.QueryFilter{SourceIP: ip, Limit: boundedLimit(c)})
	if err != nil {
		log.Printf("[QueryAPI] investigate query failed for %s: %v", ip, err)
		return c.JSON(fiber.Map{"source_ip": ip, "events": []models.Event{}, "error": "investigation data temporarily unavailable"})
	}

	summary, err := h.store.SummarizeSource(ctx, ip)
	if err != nil {
		log.Printf("[QueryAPI] summarize source failed for %s: %v", ip, err)
	}

	trend, err := h.store.ScoreTrendForSource(ctx, ip, trendWindow)
	if err != nil {
		log.Printf("[QueryAPI] score trend for source failed for %s: %v", ip, err)
		trend = []database.HourlyBucket{}
	}

	var recentCount interface{}
	if h.redis != nil {
		if count, err := h.redis.GetSourceCounter(ctx, ip); err == nil {
			recentCount = count
		} else {
			log.Printf("[QueryAPI] redis source counter read failed for %s: %v", ip, err)
		}
	}

	return c.JSON(fiber.Map{
		"source_ip":          ip,
		"events":             eventsOrEmpty(events),
		"summary":            summary,
		"score_trend":        orEmptyBuckets(trend),
		"recent_event_count": recentCount,
	})
}

// Stream serves a server-sent-events feed of newly stored events (spec
// §4.5 stream). A client supplies its last-seen id via ?last_id; the
// handler both replays the broadcaster's live fan-out and polls the store
// every ~2 seconds to cover events the broadcaster dropped or that were
// committed before the client subscribed, matching the at-least-once,
// idempotent-by-id delivery spec §4.5/§9 describe.
func (h *Handler) Stream(c *fiber.Ctx) error {
	lastID := int64(c.QueryInt("last_id", 0))

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	ch, unsubscribe := h.bus.Subscribe()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		watermark := lastID
		ctx := context.Background()

		flush := func(events []models.Event) bool {
			for _, e := range events {
				if e.ID <= watermark {
					continue
				}
				if err := writeFrame(w, e); err != nil {
					return false
				}
				watermark = e.ID
			}
			return w.Flush() == nil
		}

		if backlog, err := h.store.Since(ctx, watermark, defaultLimit); err == nil {
			if !flush(backlog) {
				return
			}
		}

		for {
			select {
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var e models.Event
				if err := json.Unmarshal(raw, &e); err == nil && e.ID > watermark {
					if err := writeFrame(w, e); err != nil {
						return
					}
					watermark = e.ID
					_ = w.Flush()
				}
			case <-ticker.C:
				events, err := h.store.Since(ctx, watermark, defaultLimit)
				if err != nil {
					continue
				}
				if !flush(events) {
					return
				}
			}
		}
	})

	return nil
}

func writeFrame(w *bufio.Writer, e models.Event) error {
	frame := streamFrame{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		SourceIP:  e.SourceIP,
		Country:   e.Geo.Country,
		Action:    e.Action,
		Service:   e.TargetService,
		MLScore:   e.Score,
		RiskLevel: string(e.RiskLevel),
		IsAnomaly: e.IsAnomaly,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// streamFrame is the trimmed per-event shape spec §6 defines for the
// server-sent stream, distinct from the full models.Event the query
// endpoints return.
type streamFrame struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	SourceIP  string `json:"source_ip"`
	Country   string `json:"country"`
	Action    string `json:"action"`
	Service   string `json:"service"`
	MLScore   float64 `json:"ml_score"`
	RiskLevel string `json:"risk_level"`
	IsAnomaly bool   `json:"is_anomaly"`
}

func eventsOrEmpty(events []models.Event) []models.Event {
	if events == nil {
		return []models.Event{}
	}
	return events
}

func orEmptyEntries(entries []database.CountEntry) []database.CountEntry {
	if entries == nil {
		return []database.CountEntry{}
	}
	return entries
}

func orEmptyBuckets(buckets []database.HourlyBucket) []database.HourlyBucket {
	if buckets == nil {
		return []database.HourlyBucket{}
	}
	return buckets
}

func orEmptyCountMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func emptyAnalytics(errMsg string) fiber.Map {
	return fiber.Map{
		"total_events":       0,
		"unique_sources":     0,
		"average_score":      0,
		"high_score_events":  0,
		"anomaly_events":     0,
		"recent_24h_count":   0,
		"risk_level_counts":  map[string]int64{},
		"top_actions":        []database.CountEntry{},
		"top_target_service": []database.CountEntry{},
		"top_source_ips":     []database.CountEntry{},
		"score_trend":        []database.HourlyBucket{},
		"error":              errMsg,
	}
}
