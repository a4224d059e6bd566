package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Level grades an alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is raised by a rule for an operator.
type Alert struct {
	Rule        string       `json:"rule"`
	Level       Level        `json:"level"`
	Event       events.Event `json:"event"`
	TradingMode string       `json:"trading_mode,omitempty"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Message     string       `json:"message"`
	Time        time.Time    `json:"time"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(ctx context.Context, a Alert) error

func (f AlertFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogAlertSink writes alerts to a zap logger.
type LogAlertSink struct {
	log *zap.Logger
}

func NewLogAlertSink(log *zap.Logger) *LogAlertSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlertSink{log: log.Named("alerts")}
}

func (s *LogAlertSink) Send(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("rule", a.Rule),
		zap.String("event", string(a.Event)),
		zap.String("trading_mode", a.TradingMode),
		zap.String("reference_id", a.ReferenceID),
	}
	if a.Level == LevelCritical {
		s.log.Error(a.Message, fields...)
	} else {
		s.log.Warn(a.Message, fields...)
	}
	return nil
}
