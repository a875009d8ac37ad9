package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/natsclient"
)

// SlogSink writes events to a structured logger
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink creates a sink logging at Info
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit_sink"), level: slog.LevelInfo}
}

// Name implements Sink
func (s *SlogSink) Name() string { return "slog" }

// Write implements Sink
func (s *SlogSink) Write(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("path", e.Path),
		slog.Time("timestamp", e.Timestamp),
		slog.Int64("latency_ms", e.LatencyMs),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.Status != 0 {
		attrs = append(attrs, slog.Int("status", e.Status))
	}
	if e.PrincipalID != nil {
		attrs = append(attrs, slog.String("principal_id", *e.PrincipalID))
	}
	if len(e.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", e.Detail))
	}
	s.logger.LogAttrs(ctx, s.level, "audit", attrs...)
	return nil
}

// StreamConfig configures the JetStream audit stream
type StreamConfig struct {
	Stream        string        `json:"stream"`
	SubjectPrefix string        `json:"subject_prefix"`
	MaxAge        time.Duration `json:"max_age"`
	Replicas      int           `json:"replicas"`
}

// DefaultStreamConfig keeps events for 30 days on stream AUDIT
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Stream:        "AUDIT",
		SubjectPrefix: "audit",
		MaxAge:        30 * 24 * time.Hour,
		Replicas:      1,
	}
}

type publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// JetStreamSink appends events to a JetStream stream with bounded retention.
// Events are published on <prefix>.<kind>.
type JetStreamSink struct {
	pub    publisher
	prefix string
}

// NewJetStreamSink ensures the audit stream exists
func NewJetStreamSink(ctx context.Context, client *natsclient.Client, cfg StreamConfig) (*JetStreamSink, error) {
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "audit", "NewJetStreamSink", "stream config")
	}

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "edgegate audit events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "audit", "NewJetStreamSink", "ensure stream")
	}
	return &JetStreamSink{pub: client, prefix: cfg.SubjectPrefix}, nil
}

// Name implements Sink
func (s *JetStreamSink) Name() string { return "jetstream" }

// Write implements Sink
func (s *JetStreamSink) Write(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "audit", "Write", "encode event")
	}
	return s.pub.PublishToStream(ctx, s.prefix+"."+string(e.Kind), data)
}
