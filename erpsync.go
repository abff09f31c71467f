// Package erpsync arbitrates access to a legacy ERP that is only reachable
// through browser automation: a bounded pool of headless browser sessions, a
// priority-based sync orchestrator, a checkpointed delta-sync engine, and a
// serialized order job queue.
package erpsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/config"
	"github.com/loykin/erpsync/internal/cron"
	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/event"
	"github.com/loykin/erpsync/internal/extract"
	historyfactory "github.com/loykin/erpsync/internal/history/factory"
	"github.com/loykin/erpsync/internal/logger"
	"github.com/loykin/erpsync/internal/metrics"
	"github.com/loykin/erpsync/internal/orchestrator"
	"github.com/loykin/erpsync/internal/order"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/server"
	"github.com/loykin/erpsync/internal/store"
	syncengine "github.com/loykin/erpsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Domain = erp.Domain

type Order = erp.Order

type Driver = browser.Driver

type Session = browser.Session

type FileConfig = config.FileConfig

type Event = event.Event

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (FileConfig, error) { return config.Load(path) }

// DriverFactory builds a site-specific automation driver from the loaded
// config. Driver packages call RegisterDriver from init; a custom build of
// cmd/erpsync blank-imports the driver it ships with.
type DriverFactory func(cfg FileConfig) (Driver, error)

var (
	driverMu sync.Mutex
	drivers  = map[string]DriverFactory{}
)

// RegisterDriver makes a driver available under name. It panics on duplicate
// registration, mirroring database/sql.
func RegisterDriver(name string, f DriverFactory) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("erpsync: driver registered twice: " + name)
	}
	drivers[name] = f
}

// OpenDriver builds the driver cfg selects (browser.driver). With an empty
// name it picks the sole registered driver.
func OpenDriver(cfg FileConfig) (Driver, error) {
	driverMu.Lock()
	defer driverMu.Unlock()
	name := cfg.Browser.Driver
	if name == "" {
		if len(drivers) == 1 {
			for n := range drivers {
				name = n
			}
		} else {
			return nil, fmt.Errorf("no driver selected: %d registered, set browser.driver", len(drivers))
		}
	}
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (forgot to import its package?)", name)
	}
	return f(cfg)
}

// RegisterMetrics registers the collectors on r (use
// prometheus.DefaultRegisterer for the default registry).
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// App wires every component together with an explicit Init/Shutdown
// lifecycle; nothing is constructed on first access, so tests can create
// isolated instances.
type App struct {
	cfg    config.FileConfig
	driver browser.Driver

	store  store.Store
	bus    *event.Bus
	pool   *pool.Pool
	orch   *orchestrator.Orchestrator
	engine *syncengine.Engine
	queue  *order.Queue
	sched  *cron.Scheduler
	srv    *http.Server
}

// New creates an App. The driver is the ERP automation implementation; the
// core never inspects page structure itself.
func New(cfg config.FileConfig, driver browser.Driver) *App {
	return &App{cfg: cfg, driver: driver}
}

// Init brings every component up in dependency order. On error the partially
// started components are shut down again.
func (a *App) Init(ctx context.Context) error {
	logger.Setup(a.cfg.LogLevel, a.cfg.LogColor)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.New(a.cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.store = st
	if err := st.EnsureSchema(ctx); err != nil {
		a.shutdownPartial(ctx)
		return fmt.Errorf("init schema: %w", err)
	}

	a.bus = event.NewBus()
	a.bus.Subscribe(event.SlogSubscriber(slog.Default()))

	launcher := browser.NewLauncher(a.cfg.Browser)
	a.pool = pool.New(a.cfg.Pool, pool.LauncherFunc(func(ctx context.Context, i int) (browser.Proc, error) {
		return launcher.Launch(ctx, i)
	}), a.driver)
	if err := a.pool.Initialize(ctx); err != nil {
		a.shutdownPartial(ctx)
		return err
	}

	a.engine = syncengine.NewEngine(a.cfg.Sync, a.pool, a.driver, a.store, extract.New(a.cfg.Extract), a.bus)
	for _, dsn := range a.cfg.History.Sinks {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			a.shutdownPartial(ctx)
			return fmt.Errorf("init change sink: %w", err)
		}
		a.engine.AddSink(sink)
	}

	a.orch = orchestrator.New(a.cfg.Orchestrator, a.engine)
	a.engine.SetGate(a.orch.Gate)
	a.orch.Start()

	a.queue = order.NewQueue(a.cfg.Order, a.store, a.orch, a.pool, a.driver, a.bus)
	a.queue.Start()

	a.sched = cron.NewScheduler(a.orch, a.domainBusy)
	for i := range a.cfg.Cron {
		if err := a.sched.Add(&a.cfg.Cron[i]); err != nil {
			a.shutdownPartial(ctx)
			return fmt.Errorf("init cron: %w", err)
		}
	}
	if err := a.sched.Start(); err != nil {
		a.shutdownPartial(ctx)
		return err
	}
	return nil
}

// Serve starts the management HTTP server on the configured listen address.
func (a *App) Serve() {
	router := server.NewRouter(a.orch, a.queue, a.pool, a.store, a.bus, "/api")
	a.srv = server.NewServer(a.cfg.Server.ListenOrDefault(), router)
	slog.Info("management API listening", "addr", a.cfg.Server.ListenOrDefault())
}

// Handler returns the management API handler for embedding in another mux.
func (a *App) Handler() http.Handler {
	return server.NewRouter(a.orch, a.queue, a.pool, a.store, a.bus, "/api").Handler()
}

// Shutdown stops everything in reverse order of Init.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.srv != nil {
		keep(a.srv.Shutdown(ctx))
		a.srv = nil
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.queue != nil {
		keep(a.queue.Stop(ctx))
	}
	if a.orch != nil {
		keep(a.orch.Stop(ctx))
	}
	if a.pool != nil {
		keep(a.pool.Shutdown(ctx))
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	return firstErr
}

func (a *App) shutdownPartial(ctx context.Context) { _ = a.Shutdown(ctx) }

func (a *App) domainBusy(d erp.Domain) bool {
	st := a.orch.Status()
	if st.Current == d {
		return true
	}
	for _, e := range st.Queue {
		if e.Domain == d {
			return true
		}
	}
	return false
}

// RequestSync asks for a sync of d. priority 0 uses the configured default.
func (a *App) RequestSync(d Domain, priority int) { a.orch.RequestSync(d, priority) }

// SmartFastPath enters the fast path (reference counted).
func (a *App) SmartFastPath() { a.orch.SmartFastPath() }

// EndFastPath exits the fast path.
func (a *App) EndFastPath() { a.orch.EndFastPath() }

// Status reports orchestrator state.
func (a *App) Status() orchestrator.Status { return a.orch.Status() }

// PoolStats reports pool utilization and per-lease ages.
func (a *App) PoolStats() pool.Stats { return a.pool.Stats() }

// EnqueueOrder submits an order job.
func (a *App) EnqueueOrder(ctx context.Context, o Order) (string, error) {
	return a.queue.Enqueue(ctx, o)
}

// OrderStatus returns one job's state.
func (a *App) OrderStatus(ctx context.Context, id string) (store.OrderJob, error) {
	return a.queue.Status(ctx, id)
}

// RetryOrder clones a failed job into a new one.
func (a *App) RetryOrder(ctx context.Context, id string) (string, error) {
	return a.queue.Retry(ctx, id)
}

// CancelOrder removes a not-yet-dispatched job.
func (a *App) CancelOrder(ctx context.Context, id string) error {
	return a.queue.Cancel(ctx, id)
}

// ResetCheckpoint forces a domain's next sync to start from page one.
func (a *App) ResetCheckpoint(ctx context.Context, d Domain) error {
	return a.store.ResetCheckpoint(ctx, d)
}

// Subscribe attaches a progress event subscriber.
func (a *App) Subscribe(s event.Subscriber) { a.bus.Subscribe(s) }
