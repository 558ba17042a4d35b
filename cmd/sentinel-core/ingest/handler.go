// Package ingest implements the hot write path described in spec §4.1:
// validate, default, enrich, score, hash, persist, and mirror-broadcast
// one honeypot event per request.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/trapline/sentinelcore/cmd/sentinel-core/broadcaster"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/geoip"
	"github.com/trapline/sentinelcore/cmd/sentinel-core/scoring"
	"github.com/trapline/sentinelcore/pkg/apperrors"
	"github.com/trapline/sentinelcore/pkg/database"
	"github.com/trapline/sentinelcore/pkg/hashing"
	"github.com/trapline/sentinelcore/pkg/messaging"
	"github.com/trapline/sentinelcore/pkg/models"
	"github.com/trapline/sentinelcore/pkg/utils"
)

var requiredFields = []string{"source_ip", "action", "target_service", "session_id"}

// Handler wires the enrichment, scoring, and persistence dependencies
// needed to process an ingest request.
type Handler struct {
	store  *database.EventStore
	geo    *geoip.Provider
	scorer *scoring.Engine
	bus    *broadcaster.Broadcaster
	nats   *messaging.Client     // nil when NATS is not configured
	redis  *database.RedisClient // nil when Redis is not configured
}

func NewHandler(store *database.EventStore, geo *geoip.Provider, scorer *scoring.Engine, bus *broadcaster.Broadcaster, nats *messaging.Client, rdb *database.RedisClient) *Handler {
	return &Handler{store: store, geo: geo, scorer: scorer, bus: bus, nats: nats, redis: rdb}
}

// Receive is the POST /api/log handler.
func (h *Handler) Receive(c *fiber.Ctx) error {
	var doc models.IngestDocument
	raw := c.Body()
	if len(raw) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no JSON data provided"})
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed JSON body"})
	}

	var asMap map[string]interface{}
	_ = json.Unmarshal(raw, &asMap)
	if missing := missingField(asMap); missing != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing required field: " + missing})
	}

	applyDefaults(&doc)

	geo := h.geo.Lookup(c.Context(), doc.SourceIP)

	prediction := h.scorer.Score(doc)

	event := &models.Event{
		CreatedAt:     utils.NowUTC(),
		Timestamp:     doc.Timestamp,
		SourceIP:      doc.SourceIP,
		Protocol:      doc.Protocol,
		TargetService: doc.TargetService,
		Action:        doc.Action,
		TargetFile:    doc.TargetFile,
		SessionID:     doc.SessionID,
		UserAgent:     doc.UserAgent,
		Headers:       doc.Headers,
		Payload:       normalizedPayload(doc.Payload),
		Geo:           geo,
		Prediction:    prediction,
	}

	hash, err := hashing.CanonicalHash(eventHashFields(event))
	if err != nil {
		log.Printf("[Ingest] hash computation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
	event.LogHash = hash

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := h.store.Insert(ctx, event)
	switch {
	case errors.Is(err, apperrors.ErrDuplicateEvent):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"status":  "error",
			"message": "duplicate event (identical log_hash already stored)",
		})
	case err != nil:
		log.Printf("[Ingest] store write failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": "failed to store log",
		})
	}
	event.ID = id

	h.bus.Publish(event)
	h.mirrorToBus(event)
	h.bumpSourceCounter(ctx, event.SourceIP)

	return c.JSON(fiber.Map{
		"status":  "success",
		"message": "log received and stored",
		"log_id":  event.LogHash,
		"ml_prediction": fiber.Map{
			"ml_score":              event.Score,
			"ml_risk_level":         event.RiskLevel,
			"is_anomaly":            event.IsAnomaly,
			"predicted_attack_type": event.PredictedAttackType,
		},
	})
}

// sourceCounterWindow is the sliding window the repeat-offender counter
// decays over; it is read back by queryapi's investigate endpoint.
const sourceCounterWindow = 10 * time.Minute

// bumpSourceCounter maintains a best-effort repeat-offender count per
// source IP in Redis. A write failure never affects ingestion.
func (h *Handler) bumpSourceCounter(ctx context.Context, sourceIP string) {
	if h.redis == nil {
		return
	}
	if _, err := h.redis.IncrementSourceCounter(ctx, sourceIP, sourceCounterWindow); err != nil {
		log.Printf("[Ingest] redis source counter increment failed for %s: %v", sourceIP, err)
	}
}

func (h *Handler) mirrorToBus(event *models.Event) {
	if h.nats == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := h.nats.PublishEvent(messaging.SubjectEventsStored, data); err != nil {
		log.Printf("[Ingest] NATS mirror publish failed: %v", err)
	}
	if event.RiskLevel == models.RiskHigh {
		if err := h.nats.PublishEvent(messaging.SubjectAlertsHigh, data); err != nil {
			log.Printf("[Ingest] NATS alert mirror publish failed: %v", err)
		}
	}
}

func missingField(doc map[string]interface{}) string {
	for _, field := range requiredFields {
		if _, ok := doc[field]; !ok {
			return field
		}
	}
	return ""
}

func applyDefaults(doc *models.IngestDocument) {
	if doc.Timestamp == "" {
		doc.Timestamp = utils.NowUTC().Format(time.RFC3339)
	}
	if doc.Protocol == "" {
		doc.Protocol = "HTTP"
	}
	if doc.UserAgent == "" {
		doc.UserAgent = "Unknown"
	}
	if doc.Headers == nil {
		doc.Headers = map[string]string{}
	}
	if doc.SessionID == "" {
		doc.SessionID = uuid.NewString()
	}
}

func normalizedPayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}

// eventHashFields builds the flat field map the canonical hash is
// computed over: the producer-supplied fields and the geo attribution.
// The id, created_at, log_hash and the classification outputs are not
// part of it.
func eventHashFields(e *models.Event) map[string]interface{} {
	return map[string]interface{}{
		"timestamp":       e.Timestamp,
		"source_ip":       e.SourceIP,
		"geo_country":     e.Geo.Country,
		"geo_city":        e.Geo.City,
		"geo_region":      e.Geo.Region,
		"geo_latitude":    e.Geo.Latitude,
		"geo_longitude":   e.Geo.Longitude,
		"geo_timezone":    e.Geo.Timezone,
		"geo_isp":         e.Geo.ISP,
		"geo_org":         e.Geo.Org,
		"protocol":        e.Protocol,
		"target_service":  e.TargetService,
		"action":          e.Action,
		"target_file":     e.TargetFile,
		"headers":         e.Headers,
		"payload":         e.Payload,
		"session_id":      e.SessionID,
		"user_agent":      e.UserAgent,
	}
}
