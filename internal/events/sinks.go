package events

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"execution-core/pkg/db"
)

// MultiSink fans a message out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, msg Message) {
	msg = Stamp(msg)
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, msg)
		}
	}
}

// LogSink writes events to a zap logger. Alerts and errors log at warn/error.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, msg Message) {
	fields := []zap.Field{
		zap.String("event", string(msg.Event)),
		zap.String("trading_mode", msg.TradingMode),
		zap.String("reference_id", msg.ReferenceID),
	}
	if msg.Severity != "" {
		fields = append(fields, zap.String("severity", msg.Severity))
	}
	if len(msg.Payload) > 0 {
		fields = append(fields, zap.Any("payload", msg.Payload))
	}
	switch msg.Event {
	case EventHighDiscrepancy, EventReconciliationError, EventDispatchError:
		s.log.Warn("event", fields...)
	case EventOrderUpdate, EventExchangeStatus:
		s.log.Debug("event", fields...)
	default:
		s.log.Info("event", fields...)
	}
}

// AuditWriter accepts audit rows for buffered persistence.
type AuditWriter interface {
	Add(db.AuditEvent)
}

// AuditSink persists audit-class events through a buffered writer.
type AuditSink struct {
	w   AuditWriter
	log *zap.Logger
}

func NewAuditSink(w AuditWriter, log *zap.Logger) *AuditSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditSink{w: w, log: log.Named("audit")}
}

func (s *AuditSink) Emit(_ context.Context, msg Message) {
	if !msg.Event.Audit() {
		return
	}
	msg = Stamp(msg)
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		s.log.Error("marshal audit payload", zap.String("event", string(msg.Event)), zap.Error(err))
		payload = []byte("{}")
	}
	s.w.Add(db.AuditEvent{
		ID:          msg.ID,
		Type:        string(msg.Event),
		TradingMode: msg.TradingMode,
		ReferenceID: msg.ReferenceID,
		Severity:    msg.Severity,
		Payload:     string(payload),
		CreatedAt:   msg.Time,
	})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit-class events to a Kafka topic keyed by reference id.
type KafkaSink struct {
	writer  messageWriter
	log     *zap.Logger
	timeout time.Duration
}

// NewKafkaSink creates an asynchronous Kafka writer for the audit stream.
func NewKafkaSink(brokers []string, topic string, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("kafka_sink")
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(format string, args ...any) {
			log.Sugar().Errorf(format, args...)
		}),
	})
	return &KafkaSink{writer: writer, log: log, timeout: 5 * time.Second}
}

func (s *KafkaSink) Emit(ctx context.Context, msg Message) {
	if !msg.Event.Audit() {
		return
	}
	msg = Stamp(msg)
	value, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshal event", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(msg.ReferenceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Event)},
			{Key: "trading_mode", Value: []byte(msg.TradingMode)},
		},
		Time: msg.Time,
	}); err != nil {
		s.log.Error("failed to publish event",
			zap.String("event", string(msg.Event)),
			zap.String("reference_id", msg.ReferenceID),
			zap.Error(err),
		)
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
