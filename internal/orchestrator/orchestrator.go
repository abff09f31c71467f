package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/metrics"
)

// ErrLockTimeout is returned when an order job cannot get exclusive access to
// the ERP within the configured bounded wait.
var ErrLockTimeout = errors.New("orchestrator: order lock wait timed out")

// maxPriority is used by the fast path so its domain preempts everything.
const maxPriority = 1 << 20

// State of one domain in the orchestrator's per-domain machine.
type State string

const (
	StateIdle    State = "idle"
	StateQueued  State = "queued"
	StateRunning State = "running"
)

// Runner executes one domain sync. The engine implements it; a run that
// returns an error is recorded and never stops the drain loop.
type Runner interface {
	Run(ctx context.Context, d erp.Domain) error
}

// DefaultPriorities orders domains by business criticality. Higher runs first.
var DefaultPriorities = map[erp.Domain]int{
	erp.DomainOrders:    60,
	erp.DomainCustomers: 50,
	erp.DomainDDT:       40,
	erp.DomainInvoices:  30,
	erp.DomainProducts:  20,
	erp.DomainPrices:    10,
}

type Config struct {
	Priorities      map[erp.Domain]int `mapstructure:"priorities"`
	FastPathDomain  erp.Domain         `mapstructure:"fast_path_domain"` // default "orders"
	FastPathTimeout time.Duration      `mapstructure:"fast_path_timeout"`
	LockAttempts    int                `mapstructure:"lock_attempts"`
	LockInterval    time.Duration      `mapstructure:"lock_interval"`
}

func (c Config) priority(d erp.Domain) int {
	if p, ok := c.Priorities[d]; ok {
		return p
	}
	if p, ok := DefaultPriorities[d]; ok {
		return p
	}
	return 1
}

func (c Config) fastPathDomain() erp.Domain {
	if c.FastPathDomain != "" {
		return c.FastPathDomain
	}
	return erp.DomainOrders
}

func (c Config) fastPathTimeout() time.Duration {
	if c.FastPathTimeout > 0 {
		return c.FastPathTimeout
	}
	return 30 * time.Minute
}

func (c Config) lockAttempts() int {
	if c.LockAttempts > 0 {
		return c.LockAttempts
	}
	return 30
}

func (c Config) lockInterval() time.Duration {
	if c.LockInterval > 0 {
		return c.LockInterval
	}
	return 2 * time.Second
}

type entry struct {
	domain   erp.Domain
	priority int
	seq      uint64 // arrival order, breaks priority ties FIFO
}

type domainState struct {
	state        State
	lastError    string
	lastFinished time.Time
}

// QueueEntry is one queued domain, for the status surface.
type QueueEntry struct {
	Domain   erp.Domain `json:"domain"`
	Priority int        `json:"priority"`
}

type DomainStatus struct {
	State        State     `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
}

type Status struct {
	Current        erp.Domain                  `json:"current,omitempty"`
	Queue          []QueueEntry                `json:"queue"`
	FastPathActive bool                        `json:"fast_path_active"`
	FastPathRefs   int                         `json:"fast_path_refs"`
	OrderLockHeld  bool                        `json:"order_lock_held"`
	Domains        map[erp.Domain]DomainStatus `json:"domains"`
}

// Orchestrator enforces that at most one domain syncs at a time, drains a
// priority queue of requests, and arbitrates between syncs and order jobs
// through the order lock and the fast path.
type Orchestrator struct {
	cfg    Config
	runner Runner

	mu          sync.Mutex
	current     erp.Domain
	queue       []*entry
	seq         uint64
	states      map[erp.Domain]*domainState
	fastRefs    int
	fastTimer   *time.Timer
	lockHeld    bool
	lockWaiters int
	notifyCh    chan struct{} // closed and replaced on every slot/lock change
	stopped     bool

	wake    chan struct{}
	stopCh  chan struct{}
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, runner Runner) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		runner:   runner,
		states:   make(map[erp.Domain]*domainState),
		notifyCh: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the drain loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.loop()
}

// Stop cancels any in-flight run cooperatively and waits for the loop to exit.
// Queued requests are dropped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	cancel := o.runStop
	if o.fastTimer != nil {
		o.fastTimer.Stop()
	}
	o.mu.Unlock()
	close(o.stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSync asks for a sync of d. priority <= 0 uses the configured default.
// Re-requesting a queued domain raises its priority instead of duplicating it.
func (o *Orchestrator) RequestSync(d erp.Domain, priority int) {
	if priority <= 0 {
		priority = o.cfg.priority(d)
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	for _, e := range o.queue {
		if e.domain == d {
			if priority > e.priority {
				e.priority = priority
			}
			o.mu.Unlock()
			return
		}
	}
	o.seq++
	o.queue = append(o.queue, &entry{domain: d, priority: priority, seq: o.seq})
	if st := o.stateLocked(d); st.state != StateRunning {
		st.state = StateQueued
	}
	depth := len(o.queue)
	o.mu.Unlock()
	metrics.SetQueueDepth(depth)
	o.wakeLoop()
}

// SmartFastPath enters the fast path: the queue stops draining, the fast-path
// domain is requested at maximum priority, and a safety timer guards against
// callers that never exit. Entries nest by reference count.
func (o *Orchestrator) SmartFastPath() {
	o.mu.Lock()
	o.fastRefs++
	if o.fastTimer != nil {
		o.fastTimer.Stop()
	}
	o.fastTimer = time.AfterFunc(o.cfg.fastPathTimeout(), o.forceEndFastPath)
	refs := o.fastRefs
	o.mu.Unlock()
	slog.Info("fast path entered", "refs", refs)
	o.RequestSync(o.cfg.fastPathDomain(), maxPriority)
}

// EndFastPath decrements the reference count; the queue resumes at zero.
func (o *Orchestrator) EndFastPath() {
	o.mu.Lock()
	if o.fastRefs > 0 {
		o.fastRefs--
	}
	refs := o.fastRefs
	if refs == 0 && o.fastTimer != nil {
		o.fastTimer.Stop()
		o.fastTimer = nil
	}
	o.mu.Unlock()
	slog.Info("fast path exited", "refs", refs)
	if refs == 0 {
		o.wakeLoop()
	}
}

func (o *Orchestrator) forceEndFastPath() {
	o.mu.Lock()
	leaked := o.fastRefs
	o.fastRefs = 0
	o.fastTimer = nil
	o.mu.Unlock()
	if leaked > 0 {
		slog.Warn("fast path force-ended by safety timeout", "leaked_refs", leaked)
		o.wakeLoop()
	}
}

// AcquireOrderLock waits, with a bounded number of fixed-interval attempts,
// until no domain is running, then takes the lock. While callers wait, the
// queue is paused so syncs cannot starve orders.
func (o *Orchestrator) AcquireOrderLock(ctx context.Context) error {
	o.mu.Lock()
	o.lockWaiters++
	o.mu.Unlock()

	attempts := o.cfg.lockAttempts()
	for i := 0; i < attempts; i++ {
		o.mu.Lock()
		if o.current == "" && !o.lockHeld {
			o.lockHeld = true
			o.lockWaiters--
			o.mu.Unlock()
			return nil
		}
		ch := o.notifyCh
		o.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(o.cfg.lockInterval()):
		case <-ctx.Done():
			o.dropWaiter()
			return ctx.Err()
		}
	}
	o.dropWaiter()
	return ErrLockTimeout
}

// ReleaseOrderLock lowers the lock and resumes the queue. Only the caller that
// acquired it may release it.
func (o *Orchestrator) ReleaseOrderLock() {
	o.mu.Lock()
	o.lockHeld = false
	o.broadcastLocked()
	o.mu.Unlock()
	o.wakeLoop()
}

// Gate blocks while the order lock is held. The engine calls it before every
// page cycle so a sync pauses at page granularity during an order.
func (o *Orchestrator) Gate(ctx context.Context) error {
	for {
		o.mu.Lock()
		held := o.lockHeld
		ch := o.notifyCh
		o.mu.Unlock()
		if !held {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Current:        o.current,
		Queue:          make([]QueueEntry, 0, len(o.queue)),
		FastPathActive: o.fastRefs > 0,
		FastPathRefs:   o.fastRefs,
		OrderLockHeld:  o.lockHeld,
		Domains:        make(map[erp.Domain]DomainStatus, len(o.states)),
	}
	sorted := append([]*entry(nil), o.queue...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority > sorted[j].priority
		}
		return sorted[i].seq < sorted[j].seq
	})
	for _, e := range sorted {
		st.Queue = append(st.Queue, QueueEntry{Domain: e.domain, Priority: e.priority})
	}
	for d, ds := range o.states {
		st.Domains[d] = DomainStatus{State: ds.state, LastError: ds.lastError, LastFinished: ds.lastFinished}
	}
	return st
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.wake:
		}
		for o.runNext() {
		}
	}
}

// runNext dequeues and runs at most one domain. It returns true when a run
// happened, so the loop immediately checks the queue again.
func (o *Orchestrator) runNext() bool {
	o.mu.Lock()
	if o.stopped || o.current != "" || o.lockHeld || o.lockWaiters > 0 {
		o.mu.Unlock()
		return false
	}
	e := o.pickLocked()
	if e == nil {
		o.mu.Unlock()
		return false
	}
	o.removeLocked(e)
	o.current = e.domain
	o.stateLocked(e.domain).state = StateRunning
	depth := len(o.queue)
	ctx, cancel := context.WithCancel(context.Background())
	o.runStop = cancel
	o.mu.Unlock()
	metrics.SetQueueDepth(depth)

	slog.Info("sync run starting", "domain", e.domain, "priority", e.priority)
	err := o.runner.Run(ctx, e.domain)
	cancel()

	o.mu.Lock()
	o.current = ""
	o.runStop = nil
	st := o.stateLocked(e.domain)
	st.state = StateIdle
	st.lastFinished = time.Now()
	if err != nil {
		st.lastError = err.Error()
	} else {
		st.lastError = ""
	}
	o.broadcastLocked()
	o.mu.Unlock()

	if err != nil {
		slog.Error("sync run failed", "domain", e.domain, "error", err)
	} else {
		slog.Info("sync run finished", "domain", e.domain)
	}
	return true
}

// pickLocked selects the next runnable entry: highest priority, FIFO on ties.
// While the fast path is active only its own domain may run.
func (o *Orchestrator) pickLocked() *entry {
	fast := o.fastRefs > 0
	fastDomain := o.cfg.fastPathDomain()
	var best *entry
	for _, e := range o.queue {
		if fast && e.domain != fastDomain {
			continue
		}
		if best == nil || e.priority > best.priority ||
			(e.priority == best.priority && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

func (o *Orchestrator) removeLocked(target *entry) {
	for i, e := range o.queue {
		if e == target {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) stateLocked(d erp.Domain) *domainState {
	st := o.states[d]
	if st == nil {
		st = &domainState{state: StateIdle}
		o.states[d] = st
	}
	return st
}

func (o *Orchestrator) dropWaiter() {
	o.mu.Lock()
	if o.lockWaiters > 0 {
		o.lockWaiters--
	}
	o.mu.Unlock()
	o.wakeLoop()
}

// broadcastLocked wakes everyone blocked on slot or lock changes.
func (o *Orchestrator) broadcastLocked() {
	close(o.notifyCh)
	o.notifyCh = make(chan struct{})
}

func (o *Orchestrator) wakeLoop() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
