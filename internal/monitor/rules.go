package monitor

import (
	"fmt"
	"sync"
	"time"

	"execution-core/internal/events"
)

// Rule turns matching events into alerts. With Threshold > 1 the rule only
// fires once Threshold matches fall within Window.
type Rule struct {
	Name      string
	Events    []events.Event
	Level     Level
	Threshold int
	Window    time.Duration
	// Format renders the alert text. Defaults to describe.
	Format func(events.Message) string
}

func (r Rule) matches(ev events.Event) bool {
	for _, e := range r.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// DefaultRules alert on what needs an operator.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "high_discrepancy", Events: []events.Event{events.EventHighDiscrepancy}, Level: LevelCritical},
		{Name: "reconciliation_error", Events: []events.Event{events.EventReconciliationError}, Level: LevelWarning},
		{Name: "order_failed", Events: []events.Event{events.EventOrderFailed}, Level: LevelWarning},
		{
			Name:      "dispatch_errors",
			Events:    []events.Event{events.EventDispatchError},
			Level:     LevelCritical,
			Threshold: 5,
			Window:    time.Minute,
			Format: func(msg events.Message) string {
				return fmt.Sprintf("repeated dispatch errors on %v", msg.Payload["exchange"])
			},
		},
	}
}

// RuleEvaluator checks events against rules.
type RuleEvaluator struct {
	mu    sync.Mutex
	rules []Rule
	hits  map[string][]time.Time
}

func NewRuleEvaluator(rules []Rule) *RuleEvaluator {
	return &RuleEvaluator{rules: rules, hits: make(map[string][]time.Time)}
}

// Check returns the alerts msg triggers.
func (r *RuleEvaluator) Check(msg events.Message) []Alert {
	at := msg.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Alert
	for _, rule := range r.rules {
		if !rule.matches(msg.Event) {
			continue
		}
		if rule.Threshold > 1 && !r.crossed(rule, at) {
			continue
		}
		format := rule.Format
		if format == nil {
			format = describe
		}
		out = append(out, Alert{
			Rule:        rule.Name,
			Level:       rule.Level,
			Event:       msg.Event,
			TradingMode: msg.TradingMode,
			ReferenceID: msg.ReferenceID,
			Message:     format(msg),
			Time:        at,
		})
	}
	return out
}

// crossed records a hit and reports whether the window now holds Threshold
// hits. The window restarts after firing.
func (r *RuleEvaluator) crossed(rule Rule, at time.Time) bool {
	cutoff := at.Add(-rule.Window)
	kept := r.hits[rule.Name][:0]
	for _, t := range r.hits[rule.Name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	if len(kept) >= rule.Threshold {
		r.hits[rule.Name] = kept[:0]
		return true
	}
	r.hits[rule.Name] = kept
	return false
}

func describe(msg events.Message) string {
	s := string(msg.Event)
	if msg.TradingMode != "" {
		s += " [" + msg.TradingMode + "]"
	}
	if msg.ReferenceID != "" {
		s += " " + msg.ReferenceID
	}
	if reason, ok := msg.Payload["reason"].(string); ok && reason != "" {
		s += ": " + reason
	} else if e, ok := msg.Payload["error"].(string); ok && e != "" {
		s += ": " + e
	}
	return s
}
