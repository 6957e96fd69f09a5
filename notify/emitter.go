package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Severity of a user-facing notification
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DurationSticky marks a notification the UI keeps until superseded
const DurationSticky time.Duration = 0

// Emitter is the user-facing notification collaborator. Fire-and-forget:
// the sync pipeline never consumes a result from it.
type Emitter interface {
	Emit(sev Severity, title, body string, duration time.Duration)
}

// LogEmitter writes notifications to the structured log. Used in development
// and as the fallback emitter.
type LogEmitter struct{}

func (LogEmitter) Emit(sev Severity, title, body string, duration time.Duration) {
	log.Info().
		Str("severity", string(sev)).
		Str("title", title).
		Str("body", body).
		Dur("duration", duration).
		Msg("Notification")
}

// toastPayload is the wire form of a notification on the UI push channel
type toastPayload struct {
	Severity   string `msgpack:"sev"`
	Title      string `msgpack:"title"`
	Body       string `msgpack:"body"`
	DurationMS int64  `msgpack:"dur"`
	EmittedAt  int64  `msgpack:"ts"`
}

// NatsEmitter publishes notifications to a NATS subject the UI push channel
// subscribes to.
type NatsEmitter struct {
	nc      *nats.Conn
	subject string
}

// NewNatsEmitter connects to NATS for notification delivery.
func NewNatsEmitter(url, subjectPrefix string) (*NatsEmitter, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NatsEmitter{
		nc:      nc,
		subject: subjectPrefix + ".toast",
	}, nil
}

func (e *NatsEmitter) Emit(sev Severity, title, body string, duration time.Duration) {
	data, err := msgpack.Marshal(toastPayload{
		Severity:   string(sev),
		Title:      title,
		Body:       body,
		DurationMS: duration.Milliseconds(),
		EmittedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode notification")
		return
	}

	// Fire-and-forget: a dropped toast is not worth failing the pipeline
	if err := e.nc.Publish(e.subject, data); err != nil {
		log.Warn().Err(err).Str("subject", e.subject).Msg("Failed to publish notification")
	}
}

// Close releases the NATS connection.
func (e *NatsEmitter) Close() {
	e.nc.Close()
}
