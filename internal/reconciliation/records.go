package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/pkg/db"
)

// RecordStore persists the records of one trading mode. *db.ModeQueries
// satisfies it.
type RecordStore interface {
	InsertRecord(ctx context.Context, r db.ReconciliationRecord) error
	GetRecord(ctx context.Context, id string) (db.ReconciliationRecord, error)
	LatestRecord(ctx context.Context, referenceID string) (db.ReconciliationRecord, error)
	UpdateRecord(ctx context.Context, id string, u db.RecordUpdate) error
	ListRecords(ctx context.Context, status string, limit int) ([]db.ReconciliationRecord, error)
	CountRecords(ctx context.Context, status string) (int, error)
}

func toRecord(r db.ReconciliationRecord) Record {
	out := Record{
		ID:          r.ID,
		TradingMode: r.TradingMode,
		Exchange:    r.Exchange,
		ReferenceID: r.ReferenceID,
		ParentID:    r.ParentID,
		Status:      Status(r.Status),
		Severity:    Severity(r.Severity),
		CreatedAt:   r.CreatedAt,
		CheckedAt:   r.CheckedAt,
	}
	if r.Details != "" {
		_ = json.Unmarshal([]byte(r.Details), &out.Details)
	}
	if r.ResolutionAction.Valid {
		out.ResolutionAction = r.ResolutionAction.String
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		out.ResolvedAt = &t
	}
	return out
}

func encodeDiffs(diffs []FieldDiff) string {
	if len(diffs) == 0 {
		return ""
	}
	b, err := json.Marshal(diffs)
	if err != nil {
		return ""
	}
	return string(b)
}

// record persists the verdict on one child following the forward-only
// lifecycle and emits the matching events.
func (s *Service) record(ctx context.Context, mb *modeBook, o ledger.Order, v verdict, res *SweepResult) {
	mode := mb.ledger.TradingMode()
	log := s.log.With(zap.String("trading_mode", mode), zap.String("order_id", o.ID), zap.String("child_id", v.child.ID))
	now := s.now().UTC()
	res.Checked++

	latest, err := mb.records.LatestRecord(ctx, v.child.ID)
	found := err == nil
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		res.Errors++
		s.reportError(ctx, mode, o, v.child.ID, fmt.Errorf("load latest record: %w", err))
		return
	}

	if v.matched() {
		res.Matched++
		switch {
		case found && Status(latest.Status) == StatusDiscrepancy:
			// An open discrepancy is only closed by an explicit resolution.
		case found && Status(latest.Status) == StatusMatched:
			err = mb.records.UpdateRecord(ctx, latest.ID, db.RecordUpdate{
				FromStatus: string(StatusMatched), ToStatus: string(StatusMatched), At: now})
		default:
			err = mb.records.InsertRecord(ctx, s.newRecord(mode, o, v, StatusMatched, now))
		}
		if err != nil {
			res.Errors++
			log.Warn("persist matched record failed", zap.Error(err))
		}
		return
	}

	res.Discrepancies++
	if v.severity == SeverityHigh {
		res.HighSeverity++
	}
	details := encodeDiffs(v.diffs)
	var (
		id        string
		opened    = true
		escalated bool
	)
	switch {
	case found && Status(latest.Status) == StatusDiscrepancy:
		id, opened = latest.ID, false
		escalated = v.severity == SeverityHigh && Severity(latest.Severity) != SeverityHigh
		err = mb.records.UpdateRecord(ctx, id, db.RecordUpdate{
			FromStatus: string(StatusDiscrepancy), ToStatus: string(StatusDiscrepancy),
			Severity: string(v.severity), Details: details, At: now})
	case found && Status(latest.Status) == StatusMatched:
		id = latest.ID
		err = mb.records.UpdateRecord(ctx, id, db.RecordUpdate{
			FromStatus: string(StatusMatched), ToStatus: string(StatusDiscrepancy),
			Severity: string(v.severity), Details: details, At: now})
	default:
		rec := s.newRecord(mode, o, v, StatusDiscrepancy, now)
		id = rec.ID
		err = mb.records.InsertRecord(ctx, rec)
	}
	if err != nil {
		res.Errors++
		s.reportError(ctx, mode, o, v.child.ID, fmt.Errorf("persist discrepancy: %w", err))
		return
	}

	payload := map[string]any{
		"record_id": id,
		"order_id":  o.ID,
		"child_id":  v.child.ID,
		"exchange":  o.Exchange,
		"symbol":    v.child.Symbol,
		"details":   v.diffs,
		"adoptable": v.adopt != nil,
	}
	if opened {
		res.Detected++
		log.Info("discrepancy detected", zap.String("severity", string(v.severity)), zap.String("details", details))
		s.emit(ctx, events.EventDiscrepancyDetected, mode, v.child.ID, string(v.severity), payload)
	}
	if v.severity == SeverityHigh && (opened || escalated) {
		log.Warn("high severity discrepancy", zap.String("details", details))
		s.emit(ctx, events.EventHighDiscrepancy, mode, v.child.ID, string(SeverityHigh), payload)
	}
	if !v.adopted {
		return
	}

	err = mb.records.UpdateRecord(ctx, id, db.RecordUpdate{
		FromStatus: string(StatusDiscrepancy), ToStatus: string(StatusResolved),
		ResolutionAction: ActionAdoptedExchangeState, At: now})
	if err != nil {
		res.Errors++
		s.reportError(ctx, mode, o, v.child.ID, fmt.Errorf("resolve record %s: %w", id, err))
		return
	}
	res.Resolved++
	log.Info("discrepancy resolved", zap.String("action", ActionAdoptedExchangeState))
	s.emit(ctx, events.EventDiscrepancyResolved, mode, v.child.ID, string(v.severity), map[string]any{
		"record_id": id,
		"order_id":  o.ID,
		"child_id":  v.child.ID,
		"action":    ActionAdoptedExchangeState,
	})
}

func (s *Service) newRecord(mode string, o ledger.Order, v verdict, st Status, now time.Time) db.ReconciliationRecord {
	return db.ReconciliationRecord{
		ID:          uuid.NewString(),
		TradingMode: mode,
		Exchange:    o.Exchange,
		ReferenceID: v.child.ID,
		ParentID:    o.ID,
		Status:      string(st),
		Severity:    string(v.severity),
		Details:     encodeDiffs(v.diffs),
		CreatedAt:   now,
		CheckedAt:   now,
	}
}

// History returns the newest records of a mode.
func (s *Service) History(ctx context.Context, mode string, limit int) ([]Record, error) {
	mb, err := s.book(mode)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	rows, err := mb.records.ListRecords(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = toRecord(r)
	}
	return out, nil
}

// ResolveManually closes an open discrepancy with an operator supplied
// action. With adopt, the venue's current state replaces the ledger's first.
func (s *Service) ResolveManually(ctx context.Context, mode, recordID, action string, adopt bool) (Record, error) {
	mb, err := s.book(mode)
	if err != nil {
		return Record{}, err
	}
	if action == "" {
		return Record{}, fmt.Errorf("%w: resolution action is required", ErrInvalidTransition)
	}
	rec, err := mb.records.GetRecord(ctx, recordID)
	if errors.Is(err, db.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err != nil {
		return Record{}, err
	}
	if Status(rec.Status) != StatusDiscrepancy {
		return Record{}, fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, recordID, rec.Status)
	}
	if adopt {
		if err := s.adoptCurrent(ctx, mb, rec); err != nil {
			return Record{}, err
		}
	}

	now := s.now().UTC()
	err = mb.records.UpdateRecord(ctx, rec.ID, db.RecordUpdate{
		FromStatus: string(StatusDiscrepancy), ToStatus: string(StatusResolved), ResolutionAction: action, At: now})
	if errors.Is(err, db.ErrStaleStatus) {
		return Record{}, fmt.Errorf("%w: record %s changed concurrently", ErrInvalidTransition, recordID)
	}
	if err != nil {
		return Record{}, err
	}
	s.log.Info("discrepancy resolved manually", zap.String("trading_mode", mode),
		zap.String("record_id", rec.ID), zap.String("action", action), zap.Bool("adopted", adopt))
	s.emit(ctx, events.EventDiscrepancyResolved, mode, rec.ReferenceID, rec.Severity, map[string]any{
		"record_id": rec.ID,
		"order_id":  rec.ParentID,
		"child_id":  rec.ReferenceID,
		"action":    action,
		"manual":    true,
		"adopted":   adopt,
	})
	s.metrics.resolved(mode, 1)
	s.refreshOutstanding(ctx, mb)

	updated, err := mb.records.GetRecord(ctx, rec.ID)
	if err != nil {
		return Record{}, err
	}
	return toRecord(updated), nil
}

// adoptCurrent replaces the ledger's view of the record's child with what
// the venue reports now.
func (s *Service) adoptCurrent(ctx context.Context, mb *modeBook, rec db.ReconciliationRecord) error {
	o, err := mb.ledger.Order(ctx, rec.ReferenceID)
	if err != nil {
		return fmt.Errorf("load order of %s: %w", rec.ReferenceID, err)
	}
	var child *ledger.Child
	for i := range o.Children {
		if o.Children[i].ID == rec.ReferenceID {
			child = &o.Children[i]
		}
	}
	if child == nil {
		return fmt.Errorf("child %s not in order %s", rec.ReferenceID, o.ID)
	}
	adapter, err := s.venues.Adapter(o.Exchange)
	if err != nil {
		return err
	}
	obs, ok, err := s.observe(ctx, adapter, o.Exchange, *child, false)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no venue state to adopt for %s", child.ID)
	}
	if s.live(mb) && obs.state.Synthetic {
		return ErrSyntheticState
	}
	state := obs.state
	if obs.missing {
		v := classify(*child, obs, s.tolerance())
		if v.adopt == nil {
			return fmt.Errorf("%s is missing on %s; nothing to adopt", child.ID, o.Exchange)
		}
		state = *v.adopt
	}
	return mb.ledger.Compare(ctx, o.ID, func([]ledger.Child) []ledger.Adoption {
		return []ledger.Adoption{{ChildID: child.ID, State: state}}
	})
}
