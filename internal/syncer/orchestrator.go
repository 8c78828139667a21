package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mailmind/mailsync/internal/auth"
	"github.com/mailmind/mailsync/internal/mailclient"
	"github.com/mailmind/mailsync/internal/metrics"
	"github.com/mailmind/mailsync/internal/store"
)

// Store is the persistence surface the orchestrator drives. Each batch
// store is one transaction; nothing here spans pages or folders.
type Store interface {
	StoreBatch(ctx context.Context, accountID string, msgs []mailclient.NormalizedMessage) (store.BatchResult, error)
	CreateRun(ctx context.Context, run store.Run) error
	FinishRun(ctx context.Context, run store.Run) error
	UpdateAccountSyncState(ctx context.Context, accountID, status string, syncedAt time.Time, errCount int) error
	LoadDeltaCursor(ctx context.Context, accountID, folderID string) (string, error)
	SaveDeltaCursor(ctx context.Context, accountID, folderID, cursor string) error
	ClearDeltaCursors(ctx context.Context, accountID string) error
}

// ClientFactory builds the mail client for a run's account.
type ClientFactory func(ctx context.Context, cfg Config) (mailclient.Client, error)

// DuplicateGuard pre-filters messages stored recently. Optional. FirstSeen
// claims the message's slot; Forget releases claims when persistence fails,
// so a retry run inside the TTL window still sees the messages.
type DuplicateGuard interface {
	FirstSeen(ctx context.Context, accountID, providerMessageID string) bool
	Forget(ctx context.Context, accountID string, providerMessageIDs []string)
}

// Options tune a run. Zero values fall back to defaults.
type Options struct {
	PageSize        int
	PageDelay       time.Duration
	MaxErrorDetails int
	DefaultFolders  []string
	Clock           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.PageDelay <= 0 {
		o.PageDelay = 300 * time.Millisecond
	}
	if o.MaxErrorDetails <= 0 {
		o.MaxErrorDetails = 25
	}
	if len(o.DefaultFolders) == 0 {
		o.DefaultFolders = []string{"Inbox", "Sent Items", "Drafts"}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Orchestrator executes sync runs. Folders within a run are sequential by
// design; runs for different accounts may execute concurrently and share
// nothing but the registry.
type Orchestrator struct {
	tokens   auth.TokenSupplier
	clients  ClientFactory
	store    Store
	registry *Registry
	events   EventPublisher // optional
	dedupe   DuplicateGuard // optional
	logger   *zap.Logger
	opts     Options
	wg       sync.WaitGroup
}

// NewOrchestrator wires the orchestrator with explicit dependencies.
// events and dedupe may be nil.
func NewOrchestrator(
	tokens auth.TokenSupplier,
	clients ClientFactory,
	st Store,
	registry *Registry,
	events EventPublisher,
	dedupe DuplicateGuard,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		tokens:   tokens,
		clients:  clients,
		store:    st,
		registry: registry,
		events:   events,
		dedupe:   dedupe,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

var errRunCancelled = errors.New("run cancelled")

// Start creates the run record and launches the run asynchronously. The
// context should be service-scoped, not request-scoped: cancelling it stops
// the run cooperatively at the next page boundary.
func (o *Orchestrator) Start(ctx context.Context, cfg Config) (string, error) {
	if cfg.AccountID == "" || cfg.UserID == "" {
		return "", fmt.Errorf("account id and user id are required")
	}
	if cfg.Provider == "" {
		return "", fmt.Errorf("provider is required")
	}

	runID := uuid.NewString()
	now := o.opts.Clock()

	if err := o.store.CreateRun(ctx, store.Run{
		ID:            runID,
		AccountID:     cfg.AccountID,
		OperationType: cfg.OperationType(),
		Status:        string(StatePending),
		StartedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}

	o.registry.Put(Progress{
		RunID:     runID,
		AccountID: cfg.AccountID,
		State:     StatePending,
		StartedAt: now,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, runID, cfg)
	}()

	return runID, nil
}

// Progress returns a snapshot of a run, false when unknown or evicted.
func (o *Orchestrator) Progress(runID string) (Progress, bool) {
	return o.registry.Get(runID)
}

// Cancel requests cooperative cancellation of a run.
func (o *Orchestrator) Cancel(runID string) bool {
	return o.registry.Cancel(runID)
}

// Active lists all non-terminal runs.
func (o *Orchestrator) Active() []Progress {
	return o.registry.ListActive()
}

// Wait blocks until all launched runs have finalized.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// runTally accumulates one run's counts. Owned by the run's goroutine.
type runTally struct {
	start        time.Time
	total        int
	processed    int
	created      int
	updated      int
	skipped      int
	errs         int
	details      []string
	deltaCursors map[string]string
}

func (t *runTally) addError(max int, detail string) {
	t.errs++
	if len(t.details) < max {
		t.details = append(t.details, detail)
	}
}

func (o *Orchestrator) execute(ctx context.Context, runID string, cfg Config) {
	metrics.SyncRunsInflight.Inc()
	defer metrics.SyncRunsInflight.Dec()

	t := &runTally{start: o.opts.Clock(), deltaCursors: make(map[string]string)}
	log := o.logger.With(
		zap.String("run_id", runID),
		zap.String("account_id", cfg.AccountID),
		zap.String("type", cfg.OperationType()),
	)

	o.registry.Update(runID, func(p *Progress) { p.State = StateRunning })
	log.Info("sync run started")
	o.publish(ctx, Event{
		Type: "sync.started", RunID: runID, AccountID: cfg.AccountID,
		UserID: cfg.UserID, At: t.start,
	})

	// fail fast on an unrecoverable credential problem
	if _, err := o.tokens.Token(ctx, auth.Provider(cfg.Provider), cfg.UserID); err != nil {
		o.finalize(runID, cfg, t, StateFailed, fmt.Sprintf("authentication: %v", err), log)
		return
	}

	client, err := o.clients(ctx, cfg)
	if err != nil {
		o.finalize(runID, cfg, t, StateFailed, fmt.Sprintf("create mail client: %v", err), log)
		return
	}

	if err := client.CheckHealth(ctx); err != nil {
		if mailclient.IsFatal(err) {
			o.finalize(runID, cfg, t, StateFailed, fmt.Sprintf("health check: %v", err), log)
			return
		}
		// transient probe failure: recorded, the run still tries the folders
		t.addError(o.opts.MaxErrorDetails, fmt.Sprintf("health check: %v", err))
		log.Warn("health check failed, continuing", zap.Error(err))
	}

	folders, err := client.ListFolders(ctx)
	if err != nil {
		o.finalize(runID, cfg, t, StateFailed, fmt.Sprintf("list folders: %v", err), log)
		return
	}

	targets := o.resolveFolders(folders, cfg.Folders, log)

	for _, f := range targets {
		t.total += f.TotalItems
	}
	if cfg.MaxEmails > 0 && t.total > cfg.MaxEmails {
		t.total = cfg.MaxEmails
	}
	o.registry.Update(runID, func(p *Progress) { p.TotalItems = t.total })

	if !cfg.Incremental {
		// a full run restarts the incremental chains
		if err := o.store.ClearDeltaCursors(ctx, cfg.AccountID); err != nil {
			log.Warn("clear delta cursors failed", zap.Error(err))
		}
	}

	for _, folder := range targets {
		if o.interrupted(ctx, runID) {
			o.finalize(runID, cfg, t, StateCancelled, "", log)
			return
		}
		if o.capReached(cfg, t) {
			break
		}

		o.registry.Update(runID, func(p *Progress) { p.CurrentFolder = folder.DisplayName })

		var ferr error
		if cfg.Incremental {
			ferr = o.syncFolderDelta(ctx, runID, cfg, client, folder, t)
		} else {
			ferr = o.syncFolderFull(ctx, runID, cfg, client, folder, t)
		}

		switch {
		case errors.Is(ferr, errRunCancelled):
			o.finalize(runID, cfg, t, StateCancelled, "", log)
			return
		case mailclient.IsFatal(ferr):
			o.finalize(runID, cfg, t, StateFailed, fmt.Sprintf("folder %s: %v", folder.DisplayName, ferr), log)
			return
		case ferr != nil:
			// folder isolation: one bad folder never aborts the run
			t.addError(o.opts.MaxErrorDetails, fmt.Sprintf("folder %s: %v", folder.DisplayName, ferr))
			log.Warn("folder sync failed", zap.String("folder", folder.DisplayName), zap.Error(ferr))
		}
	}

	o.finalize(runID, cfg, t, StateCompleted, "", log)
}

// syncFolderFull pages through a folder until the continuation chain ends.
func (o *Orchestrator) syncFolderFull(ctx context.Context, runID string, cfg Config, client mailclient.Client, folder mailclient.RemoteFolder, t *runTally) error {
	var cont mailclient.ContinuationToken
	for {
		if o.interrupted(ctx, runID) {
			return errRunCancelled
		}
		if o.capReached(cfg, t) {
			return nil
		}

		t0 := o.opts.Clock()
		page, err := client.ListMessages(ctx, folder.ID, o.pageSizeFor(cfg, t), cont)
		metrics.ObservePageFetch("full", o.opts.Clock().Sub(t0))
		if err != nil {
			return err
		}

		o.storePage(ctx, runID, cfg, folder.DisplayName, page.Messages, t)

		cont = page.Next
		if cont.None() {
			return nil
		}
		// a continuation with an empty page is legitimate; keep following
		if err := o.pause(ctx); err != nil {
			return err
		}
	}
}

// syncFolderDelta walks the folder's change feed from the stored cursor and
// persists the cursor that seeds the next incremental run.
func (o *Orchestrator) syncFolderDelta(ctx context.Context, runID string, cfg Config, client mailclient.Client, folder mailclient.RemoteFolder, t *runTally) error {
	cursorStr, err := o.store.LoadDeltaCursor(ctx, cfg.AccountID, folder.ID)
	if err != nil {
		return err
	}
	cursor := mailclient.ContinuationToken(cursorStr)

	for {
		if o.interrupted(ctx, runID) {
			return errRunCancelled
		}
		if o.capReached(cfg, t) {
			// intermediate delta continuations resume; keep it for next run
			return o.saveCursor(ctx, cfg, folder.ID, cursor, t)
		}

		t0 := o.opts.Clock()
		page, err := client.ListDeltaMessages(ctx, folder.ID, cursor)
		metrics.ObservePageFetch("delta", o.opts.Clock().Sub(t0))
		if err != nil {
			return err
		}

		o.storePage(ctx, runID, cfg, folder.DisplayName, page.Messages, t)

		cursor = page.Next
		if !page.HasMore {
			return o.saveCursor(ctx, cfg, folder.ID, cursor, t)
		}
		if err := o.pause(ctx); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) saveCursor(ctx context.Context, cfg Config, folderID string, cursor mailclient.ContinuationToken, t *runTally) error {
	if cursor.None() {
		return nil
	}
	if err := o.store.SaveDeltaCursor(ctx, cfg.AccountID, folderID, string(cursor)); err != nil {
		return err
	}
	t.deltaCursors[folderID] = string(cursor)
	return nil
}

// storePage persists one page and advances progress by the page size.
// Persistence failures are page-scoped: retried once, then recorded, and
// the continuation chain keeps going.
func (o *Orchestrator) storePage(ctx context.Context, runID string, cfg Config, folderName string, msgs []mailclient.NormalizedMessage, t *runTally) {
	batch := msgs
	if o.dedupe != nil && len(msgs) > 0 {
		batch = make([]mailclient.NormalizedMessage, 0, len(msgs))
		for _, m := range msgs {
			if o.dedupe.FirstSeen(ctx, cfg.AccountID, m.ProviderMessageID) {
				batch = append(batch, m)
			} else {
				t.skipped++
			}
		}
		metrics.AddMessages("skipped", len(msgs)-len(batch))
	}

	if len(batch) > 0 {
		t0 := o.opts.Clock()
		res, err := o.store.StoreBatch(ctx, cfg.AccountID, batch)
		if err != nil {
			// the upsert key makes a full replay idempotent
			res, err = o.store.StoreBatch(ctx, cfg.AccountID, batch)
		}
		metrics.ObserveBatchStore(o.opts.Clock().Sub(t0))

		if err != nil {
			t.addError(o.opts.MaxErrorDetails, fmt.Sprintf("store page in %s: %v", folderName, err))
			metrics.AddMessages("error", len(batch))
			ids := make([]string, len(batch))
			for i, m := range batch {
				ids[i] = m.ProviderMessageID
			}
			o.releaseClaims(ctx, cfg.AccountID, ids)
		} else {
			t.created += res.Created
			t.updated += res.Updated
			var failed []string
			for _, ie := range res.ItemErrors {
				t.addError(o.opts.MaxErrorDetails, fmt.Sprintf("message %s: %s", ie.ProviderMessageID, ie.Reason))
				failed = append(failed, ie.ProviderMessageID)
			}
			o.releaseClaims(ctx, cfg.AccountID, failed)
			metrics.AddMessages("created", res.Created)
			metrics.AddMessages("updated", res.Updated)
			metrics.AddMessages("error", len(res.ItemErrors))
		}
	}

	t.processed += len(msgs)
	o.advanceProgress(runID, t)
}

// releaseClaims undoes duplicate-guard claims for messages that were not
// stored after all.
func (o *Orchestrator) releaseClaims(ctx context.Context, accountID string, ids []string) {
	if o.dedupe == nil || len(ids) == 0 {
		return
	}
	o.dedupe.Forget(ctx, accountID, ids)
}

func (o *Orchestrator) advanceProgress(runID string, t *runTally) {
	now := o.opts.Clock()
	o.registry.Update(runID, func(p *Progress) {
		p.ProcessedItems = t.processed
		if t.total > 0 && t.processed > 0 && t.processed < t.total {
			elapsed := now.Sub(t.start)
			remaining := time.Duration(float64(elapsed) * float64(t.total-t.processed) / float64(t.processed))
			p.EstimatedCompletion = now.Add(remaining)
		}
	})
}

// finalize sets the terminal state exactly once, persists the result, stamps
// the account, and publishes the lifecycle event. Bookkeeping runs under its
// own context so a cancelled run still records its outcome.
func (o *Orchestrator) finalize(runID string, cfg Config, t *runTally, state State, fatalMsg string, log *zap.Logger) {
	if fatalMsg != "" {
		t.addError(o.opts.MaxErrorDetails, fatalMsg)
	}

	if !o.registry.Finish(runID, state, fatalMsg) {
		return
	}

	now := o.opts.Clock()
	result := Result{
		Success:      state == StateCompleted && t.errs == 0,
		Processed:    t.processed,
		Created:      t.created,
		Updated:      t.updated,
		Errors:       t.errs,
		Duration:     now.Sub(t.start),
		ErrorDetails: t.details,
	}
	if cfg.Incremental && len(t.deltaCursors) > 0 {
		result.DeltaCursors = t.deltaCursors
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	completed := now
	run := store.Run{
		ID:             runID,
		AccountID:      cfg.AccountID,
		OperationType:  cfg.OperationType(),
		Status:         string(state),
		StartedAt:      t.start,
		CompletedAt:    &completed,
		TotalItems:     t.total,
		ProcessedItems: t.processed,
		FailedItems:    t.errs,
		ResultSummary: map[string]any{
			"success":     result.Success,
			"created":     result.Created,
			"updated":     result.Updated,
			"errors":      result.Errors,
			"skipped":     t.skipped,
			"duration_ms": result.Duration.Milliseconds(),
		},
		ErrorDetails: strings.Join(t.details, "; "),
	}
	if err := o.store.FinishRun(ctx, run); err != nil {
		log.Error("persist run result failed", zap.Error(err))
	}

	if err := o.store.UpdateAccountSyncState(ctx, cfg.AccountID, accountStatus(state, t.errs), now, t.errs); err != nil {
		log.Error("update account sync state failed", zap.Error(err))
	}

	o.publish(ctx, Event{
		Type: "sync." + string(state), RunID: runID, AccountID: cfg.AccountID,
		UserID: cfg.UserID, At: now, AutoAnalyze: cfg.AutoAnalyze, Result: &result,
	})
	metrics.RecordRun(string(state), cfg.OperationType())

	log.Info("sync run finished",
		zap.String("state", string(state)),
		zap.Int("processed", t.processed),
		zap.Int("created", t.created),
		zap.Int("updated", t.updated),
		zap.Int("errors", t.errs),
		zap.Duration("duration", result.Duration),
	)
}

func accountStatus(state State, errs int) string {
	switch {
	case state == StateCancelled:
		return "cancelled"
	case state == StateFailed:
		return "error"
	case errs > 0:
		return "error"
	default:
		return "ok"
	}
}

// resolveFolders intersects the configured folder names with what the
// provider reports, case-insensitively. Unknown names are skipped, not an
// error.
func (o *Orchestrator) resolveFolders(available []mailclient.RemoteFolder, requested []string, log *zap.Logger) []mailclient.RemoteFolder {
	names := requested
	if len(names) == 0 {
		names = o.opts.DefaultFolders
	}

	byName := make(map[string]mailclient.RemoteFolder, len(available))
	for _, f := range available {
		byName[strings.ToLower(f.DisplayName)] = f
	}

	var targets []mailclient.RemoteFolder
	for _, name := range names {
		f, ok := byName[strings.ToLower(name)]
		if !ok {
			if len(requested) > 0 {
				log.Warn("configured folder not reported by provider", zap.String("folder", name))
			}
			continue
		}
		targets = append(targets, f)
	}
	return targets
}

func (o *Orchestrator) interrupted(ctx context.Context, runID string) bool {
	return ctx.Err() != nil || o.registry.CancelRequested(runID)
}

func (o *Orchestrator) capReached(cfg Config, t *runTally) bool {
	return cfg.MaxEmails > 0 && t.processed >= cfg.MaxEmails
}

// pageSizeFor bounds the request size by the remaining run cap.
func (o *Orchestrator) pageSizeFor(cfg Config, t *runTally) int {
	size := o.opts.PageSize
	if cfg.MaxEmails > 0 {
		if remaining := cfg.MaxEmails - t.processed; remaining < size {
			size = remaining
		}
	}
	return size
}

// pause is the deliberate inter-page backoff that keeps the run inside
// provider rate limits.
func (o *Orchestrator) pause(ctx context.Context) error {
	timer := time.NewTimer(o.opts.PageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errRunCancelled
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("publish sync event failed",
			zap.String("type", ev.Type),
			zap.String("run_id", ev.RunID),
			zap.Error(err),
		)
	}
}
