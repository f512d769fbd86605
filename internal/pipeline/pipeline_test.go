package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expense-extractor/internal/artifact"
	"github.com/sells-group/expense-extractor/internal/backend"
	"github.com/sells-group/expense-extractor/internal/compare"
	"github.com/sells-group/expense-extractor/internal/config"
	"github.com/sells-group/expense-extractor/internal/contextbuild"
	"github.com/sells-group/expense-extractor/internal/decompose"
	"github.com/sells-group/expense-extractor/internal/events"
	"github.com/sells-group/expense-extractor/internal/merge"
	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/store"
	"github.com/sells-group/expense-extractor/internal/tracker"
	"github.com/sells-group/expense-extractor/pkg/erp"
)

// fakeSource serves fixed documents keyed by file ID.
type fakeSource struct {
	files map[string][]byte
	err   error
}

func (f *fakeSource) ListExpenseItems(_ context.Context, _, _ string) ([]erp.ExpenseItem, error) {
	items := make([]erp.ExpenseItem, 0, len(f.files))
	for id := range f.files {
		items = append(items, erp.ExpenseItem{
			ID:   "item-" + id,
			File: erp.FileRef{Code: "INV", FileID: id, Hash: "h"},
		})
	}
	return items, nil
}

func (f *fakeSource) FetchFile(_ context.Context, ref erp.FileRef) (*erp.File, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[ref.FileID]
	if !ok {
		return nil, errors.New("no such file")
	}
	return &erp.File{Name: ref.FileID + ".pdf", Data: data}, nil
}

// fakeDecomposer emits one text unit per document, or a canned result.
type fakeDecomposer struct {
	result *decompose.Result
	err    error
}

func (f *fakeDecomposer) Decompose(_ context.Context, itemID, _ string, data []byte) (*decompose.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &decompose.Result{Units: []model.Unit{{
		ID:           itemID + "-u0000",
		ParentItemID: itemID,
		Kind:         model.UnitKindTextPage,
		Text:         string(data),
	}}}, nil
}

// fakeBackend returns the same candidate set for every context.
type fakeBackend struct {
	name       string
	class      model.BackendClass
	candidates []model.FieldCandidate
	err        error
	block      bool
}

func (f *fakeBackend) Name() string              { return f.name }
func (f *fakeBackend) Class() model.BackendClass { return f.class }

func (f *fakeBackend) Extract(ctx context.Context, ec model.Context, _ *model.Schema) ([]model.FieldCandidate, error) {
	// A blocked backend waits out the caller; with candidates configured it
	// still answers after cancellation, like an HTTP call that had already
	// left the building.
	if f.block {
		<-ctx.Done()
		if len(f.candidates) == 0 {
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.FieldCandidate, len(f.candidates))
	copy(out, f.candidates)
	for i := range out {
		out[i].Backend = f.name
		out[i].BackendClass = f.class
		out[i].ContextID = ec.ID
		out[i].ContextOrder = ec.Order
	}
	return out, nil
}

// confidentCandidates resolves every required field above the approve gate.
func confidentCandidates() []model.FieldCandidate {
	return []model.FieldCandidate{
		{Field: "vendor", Value: "Acme GmbH", Confidence: 0.95},
		{Field: "invoice_date", Value: "2026-08-12", Confidence: 0.95},
		{Field: "currency", Value: "EUR", Confidence: 0.95},
		{Field: "total_amount", Value: "119.00", Confidence: 0.95},
	}
}

type env struct {
	tracker   *tracker.Tracker
	source    *fakeSource
	artifacts *artifact.FS
	bus       *events.Bus
}

func newEnv(t *testing.T, files map[string][]byte) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	return &env{
		tracker:   tracker.New(st, bus),
		source:    &fakeSource{files: files},
		artifacts: artifact.NewFS(t.TempDir()),
		bus:       bus,
	}
}

func newPipeline(e *env, dec Decomposer, backends ...backend.Backend) *Pipeline {
	return New(
		Config{ItemConcurrency: 2, AutoApproveThreshold: 0.9},
		e.tracker,
		e.source,
		dec,
		contextbuild.New(config.ContextConfig{}),
		backend.NewDispatcher(backends, 8, 0, time.Second),
		e.artifacts,
		model.DefaultExpenseSchema(),
		merge.Config{DivergenceTolerance: 0.01, RelativeTolerance: 0.005, Priority: map[string]int{"llm": 2, "docai": 1}},
		compare.Config{AbsoluteTolerance: 0.01, RelativeTolerance: 0.005},
	)
}

func startRun(t *testing.T, e *env) (*model.Run, []model.ExpenseItem) {
	t.Helper()
	run, items, err := e.tracker.StartRun(context.Background(), e.source, "client-1", "expense-1", model.RunOptions{})
	require.NoError(t, err)
	return run, items
}

func TestExecute_HappyPath(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("Invoice 42 total 119.00 EUR")})
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, &fakeDecomposer{}, llm)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	snap, err := e.tracker.GetRunStatus(context.Background(), run.ID, false)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, model.ItemStatusCompleted, snap.Items[0].Status)
	assert.NotNil(t, snap.Run.CompletedAt)

	ctx := context.Background()
	itemID := snap.Items[0].ID
	for _, ref := range []string{
		artifact.UnitPath(run.ID, itemID, itemID+"-u0000.txt"),
		artifact.CandidatesPath(run.ID, itemID),
		artifact.RunNormalizedPath(run.ID, itemID),
		artifact.NormalizedPath("client-1", "expense-1", itemID),
	} {
		_, err := e.artifacts.Read(ctx, ref)
		assert.NoError(t, err, ref)
	}
}

func TestExecute_DivergenceNeedsReview(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	docai := &fakeBackend{name: "layout", class: model.BackendClassDocAI, candidates: []model.FieldCandidate{
		{Field: "total_amount", Value: "191.00", Confidence: 0.8},
	}}
	p := newPipeline(e, &fakeDecomposer{}, llm, docai)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	// needs_review is a successful outcome for the run.
	assert.Equal(t, model.RunStatusCompleted, final)

	snap, err := e.tracker.GetRunStatus(context.Background(), run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusNeedsReview, snap.Items[0].Status)

	last := snap.Transitions[len(snap.Transitions)-2] // final transition is the run settling
	assert.Equal(t, "needs_review", last.To)
	assert.Contains(t, last.Detail, "total_amount")
}

func TestExecute_LowConfidenceNeedsReview(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	weak := confidentCandidates()
	weak[0].Confidence = 0.4
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: weak}
	p := newPipeline(e, &fakeDecomposer{}, llm)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusNeedsReview, item.Status)
}

func TestExecute_BackendFailureDoesNotFailItem(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	good := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	bad := &fakeBackend{name: "layout", class: model.BackendClassDocAI, err: backend.ErrUnavailable}
	p := newPipeline(e, &fakeDecomposer{}, good, bad)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, item.Status)
	require.NotEmpty(t, item.Failures)
	assert.Equal(t, model.FailureScopeBackend, item.Failures[0].Scope)
	assert.Equal(t, "unavailable", item.Failures[0].Kind)
}

func TestExecute_AllBackendsFailItemFails(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	bad := &fakeBackend{name: "haiku", class: model.BackendClassLLM, err: backend.ErrUnavailable}
	p := newPipeline(e, &fakeDecomposer{}, bad)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, item.Status)
}

func TestExecute_NoUnitsFailsItem(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	dec := &fakeDecomposer{result: &decompose.Result{
		Failures: []decompose.UnitFailure{{Ref: "f1.pdf#page=1", Kind: "render", Err: errors.New("bad xref")}},
	}}
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, dec, llm)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusFailed, item.Status)
	// Both the page failure and the item failure were recorded.
	require.Len(t, item.Failures, 2)
	assert.Equal(t, model.FailureScopeUnit, item.Failures[0].Scope)
	assert.Equal(t, model.FailureScopeItem, item.Failures[1].Scope)
}

func TestExecute_ItemIsolation(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("good"), "f2": []byte("bad")})
	dec := &perDocDecomposer{}
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, dec, llm)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartiallyFailed, final)

	snap, err := e.tracker.GetRunStatus(context.Background(), run.ID, false)
	require.NoError(t, err)
	byID := map[string]model.ItemStatus{}
	for _, it := range snap.Items {
		byID[it.ID] = it.Status
	}
	assert.Equal(t, model.ItemStatusCompleted, byID["item-f1"])
	assert.Equal(t, model.ItemStatusFailed, byID["item-f2"])
}

// perDocDecomposer fails documents whose content is "bad".
type perDocDecomposer struct{}

func (perDocDecomposer) Decompose(_ context.Context, itemID, _ string, data []byte) (*decompose.Result, error) {
	if string(data) == "bad" {
		return &decompose.Result{}, nil
	}
	return &decompose.Result{Units: []model.Unit{{
		ID: itemID + "-u0000", ParentItemID: itemID, Kind: model.UnitKindTextPage, Text: string(data),
	}}}, nil
}

func TestExecute_BaselineComparisonOnSecondRun(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, &fakeDecomposer{}, llm)
	ctx := context.Background()

	run1, items1 := startRun(t, e)
	_, err := p.Execute(ctx, run1, items1)
	require.NoError(t, err)

	// Second run over the same expense extracts a different total.
	changed := confidentCandidates()
	changed[3].Value = "125.00"
	llm.candidates = changed

	run2, items2 := startRun(t, e)
	final, err := p.Execute(ctx, run2, items2)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	data, err := e.artifacts.Read(ctx, artifact.ReportPath("client-1", "expense-1", run2.ID, items2[0].ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "mismatch")

	// The first run had no baseline and wrote no report.
	_, err = e.artifacts.Read(ctx, artifact.ReportPath("client-1", "expense-1", run1.ID, items1[0].ID))
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestExecute_Cancellation(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	blocked := &fakeBackend{name: "haiku", class: model.BackendClassLLM, block: true}
	p := newPipeline(e, &fakeDecomposer{}, blocked)

	run, items := startRun(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	final, err := p.Execute(ctx, run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCancelled, item.Status)
}

func TestExecute_CancellationSweepsAllItems(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("a"), "f2": []byte("b"), "f3": []byte("c")})
	// This backend answers only after the run is cancelled, so the first
	// item's merging transition hits a dead context; the other two items
	// never get past pending.
	stubborn := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates(), block: true}
	p := New(
		Config{ItemConcurrency: 1, AutoApproveThreshold: 0.9},
		e.tracker,
		e.source,
		&fakeDecomposer{},
		contextbuild.New(config.ContextConfig{}),
		backend.NewDispatcher([]backend.Backend{stubborn}, 8, 0, time.Second),
		e.artifacts,
		model.DefaultExpenseSchema(),
		merge.Config{DivergenceTolerance: 0.01, RelativeTolerance: 0.005, Priority: map[string]int{"llm": 2}},
		compare.Config{AbsoluteTolerance: 0.01, RelativeTolerance: 0.005},
	)

	run, items := startRun(t, e)
	require.Len(t, items, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	final, err := p.Execute(ctx, run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, final)

	// No item may be stranded mid-flight or pending after cancellation.
	snap, err := e.tracker.GetRunStatus(context.Background(), run.ID, false)
	require.NoError(t, err)
	require.Len(t, snap.Items, 3)
	for _, it := range snap.Items {
		assert.Equal(t, model.ItemStatusCancelled, it.Status, it.ID)
	}
}

func TestExecute_PageFailureIsolation(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	// A three page document where the middle page failed to render: the
	// outer pages still produce units and the item settles normally.
	dec := &fakeDecomposer{result: &decompose.Result{
		Units: []model.Unit{
			{ID: "item-f1-u0000", ParentItemID: "item-f1", Kind: model.UnitKindTextPage, Order: 0, Page: 0, Text: "page one"},
			{ID: "item-f1-u0001", ParentItemID: "item-f1", Kind: model.UnitKindTextPage, Order: 1, Page: 2, Text: "page three"},
		},
		Failures: []decompose.UnitFailure{
			{Ref: "f1.pdf#page=2", Kind: "pdf-render", Err: errors.New("corrupt image stream")},
		},
	}}
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, dec, llm)

	run, items := startRun(t, e)
	final, err := p.Execute(context.Background(), run, items)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	item, err := e.tracker.GetItemStatus(context.Background(), run.ID, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, item.Status)
	require.Len(t, item.Failures, 1)
	assert.Equal(t, model.FailureScopeUnit, item.Failures[0].Scope)
	assert.Equal(t, "pdf-render", item.Failures[0].Kind)
	assert.Equal(t, "f1.pdf#page=2", item.Failures[0].Ref)

	// The surviving pages were archived.
	ctx := context.Background()
	for _, name := range []string{"item-f1-u0000.txt", "item-f1-u0001.txt"} {
		_, err := e.artifacts.Read(ctx, artifact.UnitPath(run.ID, "item-f1", name))
		assert.NoError(t, err, name)
	}
}

func TestExecute_ResumeMidFlightItem(t *testing.T) {
	e := newEnv(t, map[string][]byte{"f1": []byte("doc")})
	llm := &fakeBackend{name: "haiku", class: model.BackendClassLLM, candidates: confidentCandidates()}
	p := newPipeline(e, &fakeDecomposer{}, llm)
	ctx := context.Background()

	run, items := startRun(t, e)

	// Simulate an interrupted worker that got as far as extracting.
	item := &items[0]
	require.NoError(t, e.tracker.Transition(ctx, item, model.ItemStatusDecomposing, ""))
	require.NoError(t, e.tracker.Transition(ctx, item, model.ItemStatusExtracting, ""))
	require.NoError(t, e.tracker.SetRunStatus(ctx, run.ID, run.Status, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	resumedRun, pending, err := e.tracker.Resume(ctx, run.ID, false)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.ItemStatusExtracting, pending[0].Status)

	final, err := p.Execute(ctx, resumedRun, pending)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, final)

	got, err := e.tracker.GetItemStatus(ctx, run.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, got.Status)
}
