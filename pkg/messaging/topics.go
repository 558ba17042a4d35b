package messaging

// Subject names used on the optional JetStream mirror (spec §4.4
// "publish-mirror pattern"): every stored event is republished here after
// its row commits, so downstream consumers never observe an event the
// durable store doesn't already have.
const (
	// SubjectEventsStored carries one JSON-encoded models.Event per
	// message, published after EventStore.Insert succeeds.
	SubjectEventsStored = "sentinel.events.stored"

	// SubjectAlertsHigh mirrors only HIGH-risk events, letting a
	// lightweight subscriber page on attacks without consuming the full
	// event stream.
	SubjectAlertsHigh = "sentinel.alerts.high"
)

// StreamEvents is the JetStream stream name backing SubjectEventsStored
// and SubjectAlertsHigh.
const StreamEvents = "SENTINEL_EVENTS"
