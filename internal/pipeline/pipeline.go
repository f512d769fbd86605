// Package pipeline orchestrates an expense extraction run: fetch each
// item's source document, decompose it into units, build contexts, fan out
// to the extraction backends, merge the candidates and archive the results.
// Items are isolated from each other; one failed item degrades the run to
// partially_failed instead of aborting it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/expense-extractor/internal/artifact"
	"github.com/sells-group/expense-extractor/internal/backend"
	"github.com/sells-group/expense-extractor/internal/compare"
	"github.com/sells-group/expense-extractor/internal/contextbuild"
	"github.com/sells-group/expense-extractor/internal/decompose"
	"github.com/sells-group/expense-extractor/internal/merge"
	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/tracker"
	"github.com/sells-group/expense-extractor/pkg/erp"
)

// DocumentSource fetches source documents; satisfied by the ERP client.
type DocumentSource interface {
	FetchFile(ctx context.Context, ref erp.FileRef) (*erp.File, error)
}

// Decomposer splits one document into units; satisfied by decompose.Decomposer.
type Decomposer interface {
	Decompose(ctx context.Context, itemID, filename string, data []byte) (*decompose.Result, error)
}

// Config holds the orchestration knobs.
type Config struct {
	ItemConcurrency      int
	AutoApproveThreshold float64
}

// Pipeline executes runs.
type Pipeline struct {
	cfg        Config
	tracker    *tracker.Tracker
	source     DocumentSource
	decomposer Decomposer
	builder    *contextbuild.Builder
	dispatcher *backend.Dispatcher
	artifacts  artifact.Store
	schema     *model.Schema
	mergeCfg   merge.Config
	compareCfg compare.Config
}

// New creates a Pipeline with all dependencies.
func New(
	cfg Config,
	tr *tracker.Tracker,
	source DocumentSource,
	dec Decomposer,
	builder *contextbuild.Builder,
	dispatcher *backend.Dispatcher,
	artifacts artifact.Store,
	schema *model.Schema,
	mergeCfg merge.Config,
	compareCfg compare.Config,
) *Pipeline {
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = 4
	}
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = 0.9
	}
	return &Pipeline{
		cfg:        cfg,
		tracker:    tr,
		source:     source,
		decomposer: dec,
		builder:    builder,
		dispatcher: dispatcher,
		artifacts:  artifacts,
		schema:     schema,
		mergeCfg:   mergeCfg,
		compareCfg: compareCfg,
	}
}

// Execute processes the given items of a run to completion and settles the
// run status. It returns the final run status.
func (p *Pipeline) Execute(ctx context.Context, run *model.Run, items []model.ExpenseItem) (model.RunStatus, error) {
	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting run",
		zap.String("client_id", run.ClientID),
		zap.String("expense_id", run.ExpenseID),
		zap.Int("items", len(items)),
	)

	if run.Status == model.RunStatusPending {
		if err := p.tracker.SetRunStatus(ctx, run.ID, run.Status, model.RunStatusRunning); err != nil {
			return run.Status, eris.Wrap(err, "pipeline: mark run running")
		}
		run.Status = model.RunStatusRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ItemConcurrency)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			p.processItem(gctx, run, item)
			return nil
		})
	}
	_ = g.Wait()

	final := p.settleRun(ctx, run, items)
	log.Info("pipeline: run settled", zap.String("status", string(final)))
	return final, nil
}

// settleRun rolls item outcomes up into the run status and persists it.
// The rollup reads every item of the run, not just the ones this call
// processed, so resumed runs settle on the complete picture.
func (p *Pipeline) settleRun(ctx context.Context, run *model.Run, items []model.ExpenseItem) model.RunStatus {
	bg := context.WithoutCancel(ctx)
	if snap, err := p.tracker.GetRunStatus(bg, run.ID, false); err == nil {
		items = snap.Items
	}

	// A cancelled run must not strand items mid-flight: sweep everything
	// still non-terminal to cancelled before rolling up.
	if ctx.Err() != nil {
		for i := range items {
			item := &items[i]
			if item.Status.Terminal() {
				continue
			}
			if err := p.tracker.Transition(bg, item, model.ItemStatusCancelled, "run cancelled"); err != nil {
				zap.L().Warn("pipeline: cancel sweep transition dropped",
					zap.String("item_id", item.ID),
					zap.Error(err),
				)
			}
		}
	}

	var ok, failed, cancelled int
	for _, item := range items {
		switch item.Status {
		case model.ItemStatusCompleted, model.ItemStatusNeedsReview:
			ok++
		case model.ItemStatusCancelled:
			cancelled++
		default:
			failed++
		}
	}

	var final model.RunStatus
	switch {
	case ctx.Err() != nil || cancelled > 0 && ok == 0 && failed == 0:
		final = model.RunStatusCancelled
	case failed == 0 && cancelled == 0:
		final = model.RunStatusCompleted
	case ok == 0:
		final = model.RunStatusFailed
	default:
		final = model.RunStatusPartiallyFailed
	}

	// Settle the status even when ctx is already cancelled.
	if err := p.tracker.SetRunStatus(bg, run.ID, run.Status, final); err != nil {
		zap.L().Warn("pipeline: settle run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.Status = final
	return final
}

// processItem drives one item through its state machine. All failure paths
// land the item in a terminal state. A resumed item re-enters mid-flight:
// units and contexts live only in memory, so work restarts from
// decomposition, but the status only moves forward once it catches up to
// where the item already was.
func (p *Pipeline) processItem(ctx context.Context, run *model.Run, item *model.ExpenseItem) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("item_id", item.ID))

	switch item.Status {
	case model.ItemStatusPending, model.ItemStatusFailed, model.ItemStatusCancelled:
		if err := p.tracker.Transition(ctx, item, model.ItemStatusDecomposing, ""); err != nil {
			log.Warn("pipeline: item skipped", zap.Error(err))
			return
		}
	case model.ItemStatusDecomposing, model.ItemStatusExtracting, model.ItemStatusMerging:
		log.Info("pipeline: re-entering item", zap.String("status", string(item.Status)))
	default:
		log.Debug("pipeline: item already settled", zap.String("status", string(item.Status)))
		return
	}

	units, ok := p.decomposeItem(ctx, run, item, log)
	if !ok {
		return
	}

	contexts := p.builder.Build(item.ID, units)
	if item.Status == model.ItemStatusDecomposing {
		if err := p.tracker.Transition(ctx, item, model.ItemStatusExtracting, fmt.Sprintf("%d units, %d contexts", len(units), len(contexts))); err != nil {
			return
		}
	}

	candidates, ok := p.extractItem(ctx, run, item, contexts, log)
	if !ok {
		return
	}

	if item.Status == model.ItemStatusExtracting {
		if err := p.tracker.Transition(ctx, item, model.ItemStatusMerging, fmt.Sprintf("%d candidates", len(candidates))); err != nil {
			return
		}
	}

	p.mergeItem(ctx, run, item, candidates, log)
}

// decomposeItem fetches and decomposes the item's source document, archives
// its units, and returns them. ok=false means the item already settled.
func (p *Pipeline) decomposeItem(ctx context.Context, run *model.Run, item *model.ExpenseItem, log *zap.Logger) ([]model.Unit, bool) {
	ref, err := erp.ParseFileRef(item.SourceDocumentRef)
	if err != nil {
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "source-ref", Message: err.Error(),
		})
		return nil, false
	}

	file, err := p.source.FetchFile(ctx, ref)
	if err != nil {
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "fetch", Message: err.Error(),
		})
		return nil, false
	}

	res, err := p.decomposer.Decompose(ctx, item.ID, file.Name, file.Data)
	if err != nil {
		if p.cancelled(ctx, item, err) {
			return nil, false
		}
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "decompose", Message: err.Error(),
		})
		return nil, false
	}

	for _, uf := range res.Failures {
		p.tracker.RecordFailure(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeUnit, Ref: uf.Ref, Kind: uf.Kind, Message: uf.Message(),
		})
	}
	if len(res.Units) == 0 {
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "decompose", Message: "no extractable units",
		})
		return nil, false
	}

	p.archiveUnits(ctx, run, item, res.Units, log)
	return res.Units, true
}

// archiveUnits stores each unit's raw content. An already-present path is
// expected on rebuild and not an error.
func (p *Pipeline) archiveUnits(ctx context.Context, run *model.Run, item *model.ExpenseItem, units []model.Unit, log *zap.Logger) {
	for i := range units {
		u := &units[i]
		var data []byte
		name := u.ID
		contentType := "text/plain; charset=utf-8"
		if len(u.Image) > 0 {
			data = u.Image
			name += ".png"
			contentType = "image/png"
		} else {
			data = []byte(u.Text)
			name += ".txt"
		}

		ref, err := p.artifacts.Store(ctx, artifact.UnitPath(run.ID, item.ID, name), data, contentType)
		if err != nil {
			if errors.Is(err, artifact.ErrExists) {
				u.ContentRef = artifact.UnitPath(run.ID, item.ID, name)
				continue
			}
			log.Warn("pipeline: unit archive failed", zap.String("unit_id", u.ID), zap.Error(err))
			continue
		}
		u.ContentRef = ref
	}
}

// extractItem fans out to the backends and archives the settled candidate
// set. ok=false means the item already settled.
func (p *Pipeline) extractItem(ctx context.Context, run *model.Run, item *model.ExpenseItem, contexts []model.Context, log *zap.Logger) ([]model.FieldCandidate, bool) {
	candidates, callErrs := p.dispatcher.Extract(ctx, contexts, p.schema)

	for _, ce := range callErrs {
		p.tracker.RecordFailure(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeBackend, Ref: ce.Backend, Kind: failureKind(ce.Err), Message: ce.Error(),
		})
	}

	if len(candidates) == 0 {
		if p.cancelled(ctx, item, ctx.Err()) {
			return nil, false
		}
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "extract", Message: "no backend produced candidates",
		})
		return nil, false
	}

	if data, err := json.Marshal(candidates); err == nil {
		if _, err := p.artifacts.Store(ctx, artifact.CandidatesPath(run.ID, item.ID), data, "application/json"); err != nil && !errors.Is(err, artifact.ErrExists) {
			log.Warn("pipeline: candidate archive failed", zap.Error(err))
		}
	}
	return candidates, true
}

// mergeItem merges candidates, archives the normalized record, compares it
// against the prior record when one exists, and settles the item.
func (p *Pipeline) mergeItem(ctx context.Context, run *model.Run, item *model.ExpenseItem, candidates []model.FieldCandidate, log *zap.Logger) {
	rec := merge.Merge(item.ID, candidates, p.schema, p.mergeCfg)

	data, err := json.Marshal(rec)
	if err != nil {
		p.failItem(ctx, item, model.FailureDetail{
			Scope: model.FailureScopeItem, Ref: item.ID, Kind: "merge", Message: err.Error(),
		})
		return
	}

	// The canonical path is first-write-wins under the append-only store:
	// the earliest archived record stays put and becomes the baseline for
	// every later run's comparison.
	canonical := artifact.NormalizedPath(run.ClientID, run.ExpenseID, item.ID)
	baseline := p.loadBaseline(ctx, canonical)

	if _, err := p.artifacts.Store(ctx, artifact.RunNormalizedPath(run.ID, item.ID), data, "application/json"); err != nil && !errors.Is(err, artifact.ErrExists) {
		log.Warn("pipeline: normalized archive failed", zap.Error(err))
	}
	if _, err := p.artifacts.Store(ctx, canonical, data, "application/json"); err != nil && !errors.Is(err, artifact.ErrExists) {
		log.Warn("pipeline: normalized write failed", zap.Error(err))
	}

	if baseline != nil {
		cmp := compare.Compare(run.ID, item.ID, rec, baseline, p.schema, p.compareCfg)
		if cmpData, err := json.Marshal(cmp); err == nil {
			path := artifact.ReportPath(run.ClientID, run.ExpenseID, run.ID, item.ID)
			if _, err := p.artifacts.Store(ctx, path, cmpData, "application/json"); err != nil && !errors.Is(err, artifact.ErrExists) {
				log.Warn("pipeline: report write failed", zap.Error(err))
			}
		}
		log.Info("pipeline: baseline comparison",
			zap.String("item_id", item.ID),
			zap.Int("matches", cmp.Matches),
			zap.Int("mismatches", cmp.Mismatches),
		)
	}

	if p.reviewNeeded(rec) {
		detail := "review: " + reviewReason(rec, p.schema, p.cfg.AutoApproveThreshold)
		_ = p.tracker.Transition(ctx, item, model.ItemStatusNeedsReview, detail)
		return
	}
	_ = p.tracker.Transition(ctx, item, model.ItemStatusCompleted, "")
}

// reviewNeeded applies the auto-approve gate: a record completes without
// review only when nothing diverged, no flags were raised, every required
// field resolved, and every chosen value clears the confidence threshold.
func (p *Pipeline) reviewNeeded(rec *model.NormalizedRecord) bool {
	if rec.NeedsReview() {
		return true
	}
	for _, spec := range p.schema.Fields() {
		fr := rec.Fields[spec.Key]
		if spec.Required && fr.Resolution == model.ResolutionUnresolved {
			return true
		}
		if fr.Resolution == model.ResolutionChosen && fr.Confidence < p.cfg.AutoApproveThreshold {
			return true
		}
	}
	return false
}

func reviewReason(rec *model.NormalizedRecord, schema *model.Schema, threshold float64) string {
	if len(rec.Flags) > 0 {
		return rec.Flags[0]
	}
	for _, spec := range schema.Fields() {
		fr := rec.Fields[spec.Key]
		switch {
		case fr.Resolution == model.ResolutionNeedsReview:
			return spec.Key + " diverged"
		case spec.Required && fr.Resolution == model.ResolutionUnresolved:
			return spec.Key + " unresolved"
		case fr.Resolution == model.ResolutionChosen && fr.Confidence < threshold:
			return spec.Key + " below confidence threshold"
		}
	}
	return "manual review"
}

// loadBaseline reads a prior normalized record and flattens its chosen
// fields into a comparison baseline. Absence is normal on first runs.
func (p *Pipeline) loadBaseline(ctx context.Context, ref string) compare.Baseline {
	data, err := p.artifacts.Read(ctx, ref)
	if err != nil {
		return nil
	}
	var prior model.NormalizedRecord
	if err := json.Unmarshal(data, &prior); err != nil {
		zap.L().Warn("pipeline: unreadable prior record", zap.String("ref", ref), zap.Error(err))
		return nil
	}

	baseline := compare.Baseline{}
	for key, fr := range prior.Fields {
		if fr.Resolution == model.ResolutionChosen {
			baseline[key] = fr.Value
		}
	}
	if len(baseline) == 0 {
		return nil
	}
	return baseline
}

// failItem records the failure and settles the item as failed.
func (p *Pipeline) failItem(ctx context.Context, item *model.ExpenseItem, failure model.FailureDetail) {
	ctx = context.WithoutCancel(ctx)
	p.tracker.RecordFailure(ctx, item, failure)
	if err := p.tracker.Transition(ctx, item, model.ItemStatusFailed, failure.Kind+": "+failure.Message); err != nil {
		zap.L().Warn("pipeline: fail transition dropped",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}
}

// cancelled settles the item as cancelled when err is the caller's
// cancellation; returns false for every other error.
func (p *Pipeline) cancelled(ctx context.Context, item *model.ExpenseItem, err error) bool {
	if err == nil || (!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	bg := context.WithoutCancel(ctx)
	if trErr := p.tracker.Transition(bg, item, model.ItemStatusCancelled, "run cancelled"); trErr != nil {
		zap.L().Warn("pipeline: cancel transition dropped",
			zap.String("item_id", item.ID),
			zap.Error(trErr),
		)
	}
	return true
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrInvalidResponse):
		return "invalid-response"
	case errors.Is(err, backend.ErrUnavailable):
		return "unavailable"
	default:
		return "backend"
	}
}
