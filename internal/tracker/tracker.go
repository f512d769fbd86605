// Package tracker owns run and item lifecycle state. All status movement
// goes through it: it validates transitions against the item state machine,
// applies them compare-and-set through the store, and publishes progress
// events. A stale or illegal transition is dropped with a warning rather
// than overwriting newer state.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/events"
	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/store"
	"github.com/sells-group/expense-extractor/pkg/erp"
)

// ErrIllegalTransition marks a transition the item state machine forbids.
var ErrIllegalTransition = errors.New("tracker: illegal transition")

// ItemSource lists the expense items a run should process.
type ItemSource interface {
	ListExpenseItems(ctx context.Context, clientID, expenseID string) ([]erp.ExpenseItem, error)
}

// Tracker coordinates run state between the store and the event bus.
type Tracker struct {
	store store.Store
	bus   *events.Bus
}

// New creates a Tracker. bus may be nil when nobody subscribes.
func New(st store.Store, bus *events.Bus) *Tracker {
	return &Tracker{store: st, bus: bus}
}

// StartRun fetches the expense's items from the ERP and persists a new
// pending run with one pending item per expense line.
func (t *Tracker) StartRun(ctx context.Context, src ItemSource, clientID, expenseID string, opts model.RunOptions) (*model.Run, []model.ExpenseItem, error) {
	erpItems, err := src.ListExpenseItems(ctx, clientID, expenseID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "tracker: list items for %s/%s", clientID, expenseID)
	}
	if len(erpItems) == 0 {
		return nil, nil, eris.Errorf("tracker: expense %s/%s has no items", clientID, expenseID)
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		ExpenseID: expenseID,
		Options:   opts,
		Status:    model.RunStatusPending,
		CreatedAt: now,
	}

	items := make([]model.ExpenseItem, len(erpItems))
	for i, ei := range erpItems {
		items[i] = model.ExpenseItem{
			ID:                ei.ID,
			RunID:             run.ID,
			SourceDocumentRef: ei.File.String(),
			Description:       ei.Description,
			Status:            model.ItemStatusPending,
			UpdatedAt:         now,
		}
	}

	if err := t.store.CreateRun(ctx, run, items); err != nil {
		return nil, nil, err
	}

	zap.L().Info("run created",
		zap.String("run_id", run.ID),
		zap.String("client_id", clientID),
		zap.String("expense_id", expenseID),
		zap.Int("items", len(items)),
	)
	return run, items, nil
}

// Resume loads a run and the items still needing work. With rebuild set,
// failed and cancelled items re-enter the pipeline; without it only
// pending and mid-flight items do.
func (t *Tracker) Resume(ctx context.Context, runID string, rebuild bool) (*model.Run, []model.ExpenseItem, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	all, err := t.store.ListItems(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	var pending []model.ExpenseItem
	for _, item := range all {
		switch {
		case !item.Status.Terminal():
			pending = append(pending, item)
		case rebuild && (item.Status == model.ItemStatusFailed || item.Status == model.ItemStatusCancelled):
			pending = append(pending, item)
		}
	}

	zap.L().Info("run resumed",
		zap.String("run_id", runID),
		zap.Int("items_total", len(all)),
		zap.Int("items_pending", len(pending)),
		zap.Bool("rebuild", rebuild),
	)
	return run, pending, nil
}

// Transition moves item to the given status. On success the item's Status
// and LastSeq are updated in place so the caller can chain transitions.
func (t *Tracker) Transition(ctx context.Context, item *model.ExpenseItem, to model.ItemStatus, detail string) error {
	from := item.Status
	if !model.CanTransitionItem(from, to) {
		zap.L().Warn("transition dropped: illegal",
			zap.String("run_id", item.RunID),
			zap.String("item_id", item.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}

	tr, err := t.store.TransitionItem(ctx, item.RunID, item.ID, from, to, item.LastSeq, detail)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			// Another writer moved the item first; the caller's copy is
			// outdated and this update must not win.
			zap.L().Warn("transition dropped: stale",
				zap.String("run_id", item.RunID),
				zap.String("item_id", item.ID),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Int64("last_seq", item.LastSeq),
			)
		}
		return err
	}

	item.Status = to
	item.LastSeq = tr.Seq
	if to == model.ItemStatusDecomposing {
		item.AttemptCount++
	}

	t.publish(events.Event{
		RunID:   item.RunID,
		ItemID:  item.ID,
		Seq:     tr.Seq,
		From:    string(from),
		To:      string(to),
		Message: detail,
		At:      tr.CreatedAt,
	})
	return nil
}

// RecordFailure attaches a failure detail to the item without moving it.
func (t *Tracker) RecordFailure(ctx context.Context, item *model.ExpenseItem, failure model.FailureDetail) {
	if err := t.store.RecordFailure(ctx, item.RunID, item.ID, failure); err != nil {
		zap.L().Warn("record failure failed",
			zap.String("run_id", item.RunID),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return
	}
	item.Failures = append(item.Failures, failure)
}

// SetRunStatus moves the run itself and publishes a run-level event.
func (t *Tracker) SetRunStatus(ctx context.Context, runID string, from, to model.RunStatus) error {
	if err := t.store.UpdateRunStatus(ctx, runID, to); err != nil {
		return err
	}
	t.publish(events.Event{
		RunID: runID,
		From:  string(from),
		To:    string(to),
		At:    time.Now().UTC(),
	})
	return nil
}

// RunSnapshot is the live view of a run served by status queries.
type RunSnapshot struct {
	Run         *model.Run          `json:"run"`
	Items       []model.ExpenseItem `json:"items"`
	Transitions []model.Transition  `json:"transitions,omitempty"`
}

// GetRunStatus returns the run, its items and optionally the transition log.
func (t *Tracker) GetRunStatus(ctx context.Context, runID string, withTransitions bool) (*RunSnapshot, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	items, err := t.store.ListItems(ctx, runID)
	if err != nil {
		return nil, err
	}

	snap := &RunSnapshot{Run: run, Items: items}
	if withTransitions {
		snap.Transitions, err = t.store.ListTransitions(ctx, runID)
		if err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// GetItemStatus returns one item's current state.
func (t *Tracker) GetItemStatus(ctx context.Context, runID, itemID string) (*model.ExpenseItem, error) {
	return t.store.GetItem(ctx, runID, itemID)
}

func (t *Tracker) publish(ev events.Event) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(ev)
}
