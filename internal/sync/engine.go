package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/event"
	"github.com/loykin/erpsync/internal/history"
	"github.com/loykin/erpsync/internal/metrics"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/store"
)

// SessionSource is the slice of the pool the engine needs. *pool.Pool
// implements it.
type SessionSource interface {
	Acquire(ctx context.Context, userID string) (*pool.Lease, error)
	Release(l *pool.Lease, success bool)
}

// Extractor parses an exported document into items. *extract.Runner
// implements it.
type Extractor interface {
	Run(ctx context.Context, d erp.Domain, path string) ([]erp.Item, error)
}

// Gate is checked before every page cycle; it blocks while an order holds the
// ERP. A nil gate is always open.
type Gate func(ctx context.Context) error

// Config tunes the delta-sync engine.
type Config struct {
	// SyncUser is the ERP account sync runs log in as.
	SyncUser string `mapstructure:"sync_user"`
	// Freshness skips a run entirely when the domain completed within the
	// window (default 1h).
	Freshness time.Duration `mapstructure:"freshness"`
	// ExportDomains are served as document exports instead of listing pages.
	ExportDomains []erp.Domain `mapstructure:"export_domains"`
	// HardDeleteDomains remove vanished rows instead of soft-deleting them.
	HardDeleteDomains []erp.Domain `mapstructure:"hard_delete_domains"`
}

func (c Config) freshness() time.Duration {
	if c.Freshness > 0 {
		return c.Freshness
	}
	return time.Hour
}

func (c Config) exportDomains() []erp.Domain {
	if c.ExportDomains != nil {
		return c.ExportDomains
	}
	return []erp.Domain{erp.DomainDDT, erp.DomainInvoices}
}

func (c Config) isExport(d erp.Domain) bool {
	for _, x := range c.exportDomains() {
		if x == d {
			return true
		}
	}
	return false
}

func (c Config) hardDelete(d erp.Domain) bool {
	for _, x := range c.HardDeleteDomains {
		if x == d {
			return true
		}
	}
	return d == erp.DomainPrices
}

// Engine runs checkpointed delta syncs: page by page, hash-diffed per item,
// with the checkpoint persisted after every committed page.
type Engine struct {
	cfg     Config
	pool    SessionSource
	driver  browser.Driver
	store   store.Store
	extract Extractor
	bus     *event.Bus
	sinks   []history.Sink
	gate    Gate
}

func NewEngine(cfg Config, p SessionSource, d browser.Driver, s store.Store, x Extractor, bus *event.Bus) *Engine {
	return &Engine{cfg: cfg, pool: p, driver: d, store: s, extract: x, bus: bus}
}

// SetGate installs the orchestrator's order-lock gate.
func (e *Engine) SetGate(g Gate) { e.gate = g }

// AddSink registers an external change-record sink.
func (e *Engine) AddSink(s history.Sink) { e.sinks = append(e.sinks, s) }

// runCounts accumulates one run's outcome.
type runCounts struct {
	pages   int
	items   int
	created int
	updated int
	deleted int
	seen    map[string]struct{}
}

// Run executes one sync of d, resuming from the stored checkpoint. A canceled
// context is a controlled pause, not an error.
func (e *Engine) Run(ctx context.Context, d erp.Domain) error {
	cp, err := e.store.GetCheckpoint(ctx, d)
	if err != nil {
		return fmt.Errorf("sync %s: load checkpoint: %w", d, err)
	}
	if cp.Status == store.CheckpointComplete && time.Since(cp.CompletedAt) < e.cfg.freshness() {
		slog.Info("sync skipped, data fresh", "domain", d, "completed_at", cp.CompletedAt)
		e.publish(event.Event{Domain: string(d), Phase: event.PhaseSkipped})
		return nil
	}

	lease, err := e.pool.Acquire(ctx, e.cfg.SyncUser)
	if err != nil {
		return fmt.Errorf("sync %s: %w", d, err)
	}

	runID, err := e.store.CreateRun(ctx, d)
	if err != nil {
		e.pool.Release(lease, true)
		return fmt.Errorf("sync %s: create run: %w", d, err)
	}
	started := time.Now()
	e.publish(event.Event{Domain: string(d), Phase: event.PhaseStarted})

	counts := &runCounts{seen: map[string]struct{}{}}
	if e.cfg.isExport(d) {
		err = e.runExport(ctx, runID, d, lease, &cp, counts)
	} else {
		err = e.runPaginated(ctx, runID, d, lease, &cp, counts)
	}
	e.pool.Release(lease, err == nil || isPause(err))
	metrics.ObserveRunDuration(string(d), time.Since(started).Seconds())

	result := store.RunResult{
		Pages:   counts.pages,
		Items:   counts.items,
		Created: counts.created,
		Updated: counts.updated,
		Deleted: counts.deleted,
	}
	switch {
	case isPause(err):
		// Checkpoint stays at the last committed page; the next run resumes.
		cp.Status = store.CheckpointPaused
		cp.LastError = ""
		result.Paused = true
		err = nil
		e.publish(event.Event{Domain: string(d), Phase: event.PhasePaused, Page: cp.LastPage, TotalPages: cp.TotalPages})
	case err != nil:
		cp.Status = store.CheckpointFailed
		cp.LastError = err.Error()
		result.Error = err.Error()
		e.publish(event.Event{Domain: string(d), Phase: event.PhaseFailed, Page: cp.LastPage, Message: err.Error()})
	default:
		// A completed pass is the natural boundary; the next run starts over.
		cp.Status = store.CheckpointComplete
		cp.CompletedAt = time.Now()
		cp.LastError = ""
		cp.LastPage = 0
		e.publish(event.Event{
			Domain:         string(d),
			Phase:          event.PhaseCompleted,
			TotalPages:     cp.TotalPages,
			ItemsProcessed: counts.items,
		})
	}
	if serr := e.store.SaveCheckpoint(context.Background(), cp); serr != nil {
		slog.Error("save final checkpoint failed", "domain", d, "error", serr)
	}
	if ferr := e.store.FinishRun(context.Background(), runID, result); ferr != nil {
		slog.Error("finish run failed", "domain", d, "error", ferr)
	}
	return err
}

func isPause(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) runPaginated(ctx context.Context, runID string, d erp.Domain, lease *pool.Lease, cp *store.Checkpoint, counts *runCounts) error {
	// The reported total can drift between runs, so re-derive it every time.
	total, err := e.driver.PageCount(ctx, lease.Session, d)
	if err != nil {
		return fmt.Errorf("page count: %w", err)
	}
	cp.TotalPages = total

	start := cp.LastPage + 1
	for page := start; page <= total; page++ {
		if err := e.beforePage(ctx); err != nil {
			return err
		}
		items, err := e.driver.ScrapePage(ctx, lease.Session, d, page)
		if err != nil {
			return fmt.Errorf("scrape page %d: %w", page, err)
		}
		if err := e.applyItems(ctx, runID, d, items, counts); err != nil {
			return err
		}
		cp.LastPage = page
		cp.Status = store.CheckpointRunning
		cp.ItemsSynced += len(items)
		if err := e.store.SaveCheckpoint(ctx, *cp); err != nil {
			return fmt.Errorf("save checkpoint at page %d: %w", page, err)
		}
		counts.pages++
		metrics.IncSyncPage(string(d))
		e.publish(event.Event{
			Domain:         string(d),
			Phase:          event.PhasePage,
			Page:           page,
			TotalPages:     total,
			ItemsProcessed: counts.items,
		})
	}
	// Deletions are only derivable from a full pass over the source.
	if start == 1 {
		return e.cleanup(ctx, d, counts)
	}
	return nil
}

// runExport downloads the domain's document export and treats it as a single
// page: one fetch, one diff pass, one checkpoint commit.
func (e *Engine) runExport(ctx context.Context, runID string, d erp.Domain, lease *pool.Lease, cp *store.Checkpoint, counts *runCounts) error {
	if err := e.beforePage(ctx); err != nil {
		return err
	}
	path, err := e.driver.DownloadExport(ctx, lease.Session, d)
	if err != nil {
		return fmt.Errorf("download export: %w", err)
	}
	items, err := e.extract.Run(ctx, d, path)
	if err != nil {
		return err
	}
	if err := e.applyItems(ctx, runID, d, items, counts); err != nil {
		return err
	}
	cp.LastPage = 1
	cp.TotalPages = 1
	cp.Status = store.CheckpointRunning
	cp.ItemsSynced += len(items)
	if err := e.store.SaveCheckpoint(ctx, *cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	counts.pages = 1
	metrics.IncSyncPage(string(d))
	return e.cleanup(ctx, d, counts)
}

func (e *Engine) beforePage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.gate != nil {
		return e.gate(ctx)
	}
	return nil
}

// applyItems hash-diffs a batch against storage. Unchanged items cost one
// lookup and zero writes.
func (e *Engine) applyItems(ctx context.Context, runID string, d erp.Domain, items []erp.Item, counts *runCounts) error {
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		counts.seen[it.ID] = struct{}{}
		counts.items++
		prev, ok, err := e.store.GetEntity(ctx, d, it.ID)
		if err != nil {
			return fmt.Errorf("lookup %s/%s: %w", d, it.ID, err)
		}
		hash := it.Hash()
		if ok && prev.Hash == hash && prev.DeletedAt.IsZero() {
			continue
		}
		entity := store.Entity{Domain: d, ID: it.ID, Hash: hash, Fields: it.Fields}
		if err := e.store.UpsertEntity(ctx, entity); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", d, it.ID, err)
		}
		switch {
		case !ok:
			if err := e.recordChange(ctx, store.Change{
				RunID: runID, Domain: d, EntityID: it.ID, Type: store.ChangeCreated,
			}); err != nil {
				return err
			}
			counts.created++
			metrics.IncSyncChange(string(d), string(store.ChangeCreated))
		case len(prev.Fields) == 0:
			// No previous field values to diff against.
			if err := e.recordChange(ctx, store.Change{
				RunID: runID, Domain: d, EntityID: it.ID, Type: store.ChangeUpdated,
			}); err != nil {
				return err
			}
			counts.updated++
			metrics.IncSyncChange(string(d), string(store.ChangeUpdated))
		default:
			changed, err := e.recordFieldChanges(ctx, runID, d, it.ID, prev.Fields, it.Fields)
			if err != nil {
				return err
			}
			if changed > 0 || !prev.DeletedAt.IsZero() {
				counts.updated++
				metrics.IncSyncChange(string(d), string(store.ChangeUpdated))
			}
		}
	}
	return nil
}

// recordFieldChanges writes one change record per differing field so consumers
// can answer "what changed", not just "something changed".
func (e *Engine) recordFieldChanges(ctx context.Context, runID string, d erp.Domain, id string, old, cur map[string]string) (int, error) {
	changed := 0
	for k, nv := range cur {
		ov, had := old[k]
		if had && ov == nv {
			continue
		}
		c := store.Change{
			RunID: runID, Domain: d, EntityID: id,
			Type: store.ChangeFieldChanged, Field: k, OldValue: ov, NewValue: nv,
		}
		if err := e.recordChange(ctx, c); err != nil {
			return changed, err
		}
		changed++
	}
	for k, ov := range old {
		if _, still := cur[k]; still {
			continue
		}
		c := store.Change{
			RunID: runID, Domain: d, EntityID: id,
			Type: store.ChangeFieldChanged, Field: k, OldValue: ov,
		}
		if err := e.recordChange(ctx, c); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func (e *Engine) recordChange(ctx context.Context, c store.Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	if err := e.store.RecordChange(ctx, c); err != nil {
		return fmt.Errorf("record change %s/%s: %w", c.Domain, c.EntityID, err)
	}
	history.Fanout(ctx, e.sinks, c)
	return nil
}

// cleanup diffs this run's ids against storage and deletes the vanished ones,
// soft or hard per domain policy.
func (e *Engine) cleanup(ctx context.Context, d erp.Domain, counts *runCounts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	known, err := e.store.LiveIDs(ctx, d)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", d, err)
	}
	var gone []string
	for _, id := range known {
		if _, ok := counts.seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	n, err := e.store.MarkDeleted(ctx, d, gone, e.cfg.hardDelete(d))
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", d, err)
	}
	counts.deleted = n
	e.publish(event.Event{Domain: string(d), Phase: event.PhaseCleanup, ItemsProcessed: n})
	slog.Info("cleanup removed vanished entities", "domain", d, "count", n, "hard", e.cfg.hardDelete(d))
	return nil
}

func (e *Engine) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
