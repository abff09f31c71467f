package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/metrics"
)

// ErrPoolExhausted is returned when no browser process can serve a new session.
// Callers retry with backoff; the pool never queues internally.
var ErrPoolExhausted = errors.New("pool: no browser process available")

var errClosed = errors.New("pool: shut down")

// Launcher starts browser process number index. *browser.Launcher is adapted to
// this via LauncherFunc; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, index int) (browser.Proc, error)
}

type LauncherFunc func(ctx context.Context, index int) (browser.Proc, error)

func (f LauncherFunc) Launch(ctx context.Context, index int) (browser.Proc, error) {
	return f(ctx, index)
}

// Config tunes pool capacity and lease lifetimes.
type Config struct {
	Processes          int           `mapstructure:"processes"`            // browser processes (default 3)
	SessionsPerProcess int           `mapstructure:"sessions_per_process"` // cap per process (default 2)
	LeaseExpiry        time.Duration `mapstructure:"lease_expiry"`         // cached lease max age (default 30m)
	ValidateTimeout    time.Duration `mapstructure:"validate_timeout"`     // session liveness check budget (default 10s)
	RelaunchDelay      time.Duration `mapstructure:"relaunch_delay"`       // wait between relaunch attempts (default 2s)
}

func (c Config) processes() int {
	if c.Processes > 0 {
		return c.Processes
	}
	return 3
}

func (c Config) sessionsPerProcess() int {
	if c.SessionsPerProcess > 0 {
		return c.SessionsPerProcess
	}
	return 2
}

func (c Config) leaseExpiry() time.Duration {
	if c.LeaseExpiry > 0 {
		return c.LeaseExpiry
	}
	return 30 * time.Minute
}

func (c Config) validateTimeout() time.Duration {
	if c.ValidateTimeout > 0 {
		return c.ValidateTimeout
	}
	return 10 * time.Second
}

func (c Config) relaunchDelay() time.Duration {
	if c.RelaunchDelay > 0 {
		return c.RelaunchDelay
	}
	return 2 * time.Second
}

// Lease is one issued session plus its bookkeeping. Cached leases are keyed by
// user and reused across acquires; dedicated leases (orders) are single-use.
type Lease struct {
	Session   *browser.Session
	UserID    string
	proc      int
	dedicated bool
	createdAt time.Time
	lastUsed  time.Time
	busy      bool
}

func (l *Lease) Age() time.Duration { return time.Since(l.createdAt) }

type procSlot struct {
	index    int
	proc     browser.Proc // nil while crashed and not yet relaunched
	sessions int
	gen      int // incremented per relaunch so stale watchers are ignored
}

// LeaseInfo is a point-in-time view of one lease, for the status surface.
type LeaseInfo struct {
	UserID    string        `json:"user_id"`
	Process   int           `json:"process"`
	Age       time.Duration `json:"age"`
	Idle      time.Duration `json:"idle"`
	Busy      bool          `json:"busy"`
	Dedicated bool          `json:"dedicated"`
}

type Stats struct {
	Processes      int         `json:"processes"`
	AliveProcesses int         `json:"alive_processes"`
	Capacity       int         `json:"capacity"`
	OpenSessions   int         `json:"open_sessions"`
	Leases         []LeaseInfo `json:"leases"`
}

// Pool owns the browser processes and issues per-user sessions from them.
// Construct with New, call Initialize before use and Shutdown when done.
type Pool struct {
	cfg      Config
	launcher Launcher
	driver   browser.Driver

	mu        sync.Mutex
	slots     []*procSlot
	leases    map[string]*Lease
	dedicated map[*Lease]struct{}
	userMu    map[string]*sync.Mutex
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, launcher Launcher, driver browser.Driver) *Pool {
	return &Pool{
		cfg:       cfg,
		launcher:  launcher,
		driver:    driver,
		leases:    make(map[string]*Lease),
		dedicated: make(map[*Lease]struct{}),
		userMu:    make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// Initialize launches the configured number of browser processes and starts
// watching them for crashes.
func (p *Pool) Initialize(ctx context.Context) error {
	n := p.cfg.processes()
	p.mu.Lock()
	p.slots = make([]*procSlot, n)
	for i := range p.slots {
		p.slots[i] = &procSlot{index: i}
	}
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		proc, err := p.launcher.Launch(ctx, i)
		if err != nil {
			_ = p.Shutdown(ctx)
			return fmt.Errorf("pool: launch process %d: %w", i, err)
		}
		p.installProc(i, proc)
	}
	metrics.SetOpenSessions(0)
	return nil
}

// Shutdown closes every session and stops every process. The pool cannot be
// reused afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	var all []*Lease
	for _, l := range p.leases {
		all = append(all, l)
	}
	for l := range p.dedicated {
		all = append(all, l)
	}
	p.leases = map[string]*Lease{}
	p.dedicated = map[*Lease]struct{}{}
	procs := make([]browser.Proc, 0, len(p.slots))
	for _, s := range p.slots {
		if s.proc != nil {
			procs = append(procs, s.proc)
			s.proc = nil
		}
		s.sessions = 0
	}
	p.mu.Unlock()

	for _, l := range all {
		p.closeSession(l)
	}
	var firstErr error
	for _, proc := range procs {
		if err := proc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.wg.Wait()
	metrics.SetOpenSessions(0)
	return firstErr
}

// Acquire returns a session for userID, reusing a cached valid lease when one
// exists. Concurrent acquires for one user serialize; distinct users proceed in
// parallel up to capacity.
func (p *Pool) Acquire(ctx context.Context, userID string) (*Lease, error) {
	um := p.userLock(userID)
	um.Lock()
	defer um.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	l := p.leases[userID]
	p.mu.Unlock()

	if l != nil {
		if time.Since(l.createdAt) < p.cfg.leaseExpiry() {
			vctx, cancel := context.WithTimeout(ctx, p.cfg.validateTimeout())
			ok, err := p.driver.CheckSession(vctx, l.Session)
			cancel()
			if err == nil && ok {
				p.mu.Lock()
				l.lastUsed = time.Now()
				l.busy = true
				p.mu.Unlock()
				metrics.IncLeaseAcquisition("reuse")
				return l, nil
			}
			p.evict(l, "invalid")
		} else {
			p.evict(l, "expired")
		}
	}
	return p.createLease(ctx, userID, false)
}

// AcquireFresh always opens a new dedicated session, bypassing the per-user
// cache. Order automation needs clean UI state on every attempt.
func (p *Pool) AcquireFresh(ctx context.Context, userID string) (*Lease, error) {
	return p.createLease(ctx, userID, true)
}

// Release returns a lease to the pool. A failed use always evicts the lease;
// dedicated leases are closed unconditionally.
func (p *Pool) Release(l *Lease, success bool) {
	if l == nil {
		return
	}
	p.mu.Lock()
	_, ded := p.dedicated[l]
	p.mu.Unlock()
	if ded || !success {
		p.remove(l)
		p.closeSession(l)
		if !success {
			metrics.IncLeaseEviction("failure")
		}
		return
	}
	p.mu.Lock()
	l.busy = false
	l.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Processes: len(p.slots),
		Capacity:  len(p.slots) * p.cfg.sessionsPerProcess(),
	}
	for _, s := range p.slots {
		if s.proc != nil && s.proc.Alive() {
			st.AliveProcesses++
		}
		st.OpenSessions += s.sessions
	}
	now := time.Now()
	for _, l := range p.leases {
		st.Leases = append(st.Leases, LeaseInfo{
			UserID:  l.UserID,
			Process: l.proc,
			Age:     now.Sub(l.createdAt),
			Idle:    now.Sub(l.lastUsed),
			Busy:    l.busy,
		})
	}
	for l := range p.dedicated {
		st.Leases = append(st.Leases, LeaseInfo{
			UserID:    l.UserID,
			Process:   l.proc,
			Age:       now.Sub(l.createdAt),
			Busy:      true,
			Dedicated: true,
		})
	}
	return st
}

func (p *Pool) userLock(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.userMu[userID]
	if m == nil {
		m = &sync.Mutex{}
		p.userMu[userID] = m
	}
	return m
}

func (p *Pool) createLease(ctx context.Context, userID string, dedicated bool) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errClosed
		}
		total := 0
		for _, s := range p.slots {
			total += s.sessions
		}
		if total < len(p.slots)*p.cfg.sessionsPerProcess() {
			slot := p.leastLoadedLocked()
			if slot == nil {
				p.mu.Unlock()
				metrics.IncLeaseAcquisition("exhausted")
				return nil, ErrPoolExhausted
			}
			slot.sessions++
			proc := slot.proc
			p.mu.Unlock()
			return p.openOn(ctx, slot, proc, userID, dedicated)
		}
		victim := p.lruLocked()
		p.mu.Unlock()
		if victim == nil {
			metrics.IncLeaseAcquisition("exhausted")
			return nil, ErrPoolExhausted
		}
		p.evict(victim, "lru")
	}
}

func (p *Pool) openOn(ctx context.Context, slot *procSlot, proc browser.Proc, userID string, dedicated bool) (*Lease, error) {
	s, err := p.driver.OpenSession(ctx, proc, userID)
	if err != nil {
		p.mu.Lock()
		if slot.sessions > 0 {
			slot.sessions--
		}
		p.mu.Unlock()
		metrics.IncLeaseAcquisition("error")
		return nil, fmt.Errorf("pool: open session for %s: %w", userID, err)
	}
	now := time.Now()
	l := &Lease{
		Session:   s,
		UserID:    userID,
		proc:      slot.index,
		dedicated: dedicated,
		createdAt: now,
		lastUsed:  now,
		busy:      true,
	}
	p.mu.Lock()
	if dedicated {
		p.dedicated[l] = struct{}{}
	} else {
		p.leases[userID] = l
	}
	open := p.openSessionsLocked()
	p.mu.Unlock()
	if dedicated {
		metrics.IncLeaseAcquisition("fresh")
	} else {
		metrics.IncLeaseAcquisition("new")
	}
	metrics.SetOpenSessions(open)
	return l, nil
}

// leastLoadedLocked picks the alive process with the fewest sessions that is
// still below its per-process cap.
func (p *Pool) leastLoadedLocked() *procSlot {
	var best *procSlot
	for _, s := range p.slots {
		if s.proc == nil || !s.proc.Alive() {
			continue
		}
		if s.sessions >= p.cfg.sessionsPerProcess() {
			continue
		}
		if best == nil || s.sessions < best.sessions {
			best = s
		}
	}
	return best
}

// lruLocked picks the cached lease with the oldest lastUsed. Dedicated leases
// are never evicted for capacity.
func (p *Pool) lruLocked() *Lease {
	var victim *Lease
	for _, l := range p.leases {
		if victim == nil || l.lastUsed.Before(victim.lastUsed) {
			victim = l
		}
	}
	return victim
}

func (p *Pool) evict(l *Lease, reason string) {
	p.remove(l)
	p.closeSession(l)
	metrics.IncLeaseEviction(reason)
	slog.Debug("lease evicted", "user", l.UserID, "process", l.proc, "reason", reason)
}

// remove unlinks the lease from the maps and decrements its process's session
// count, without closing the session.
func (p *Pool) remove(l *Lease) {
	p.mu.Lock()
	if cur, ok := p.leases[l.UserID]; ok && cur == l {
		delete(p.leases, l.UserID)
	}
	delete(p.dedicated, l)
	if l.proc >= 0 && l.proc < len(p.slots) {
		if s := p.slots[l.proc]; s.sessions > 0 {
			s.sessions--
		}
	}
	open := p.openSessionsLocked()
	p.mu.Unlock()
	metrics.SetOpenSessions(open)
}

func (p *Pool) openSessionsLocked() int {
	n := 0
	for _, s := range p.slots {
		n += s.sessions
	}
	return n
}

func (p *Pool) closeSession(l *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.driver.CloseSession(ctx, l.Session); err != nil {
		slog.Debug("close session failed", "user", l.UserID, "error", err)
	}
}

// installProc wires a process into its slot and starts the crash watcher.
func (p *Pool) installProc(index int, proc browser.Proc) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = proc.Kill()
		return
	}
	slot := p.slots[index]
	slot.proc = proc
	slot.gen++
	gen := slot.gen
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-proc.Done():
			p.handleCrash(index, gen)
		case <-p.stopCh:
		}
	}()
}

// handleCrash purges leases bound to the dead process and relaunches it
// asynchronously. Callers on other processes are unaffected.
func (p *Pool) handleCrash(index, gen int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	slot := p.slots[index]
	if slot.gen != gen {
		p.mu.Unlock()
		return
	}
	slot.proc = nil
	slot.sessions = 0
	var purged []*Lease
	for _, l := range p.leases {
		if l.proc == index {
			purged = append(purged, l)
			delete(p.leases, l.UserID)
		}
	}
	for l := range p.dedicated {
		if l.proc == index {
			purged = append(purged, l)
			delete(p.dedicated, l)
		}
	}
	open := p.openSessionsLocked()
	p.mu.Unlock()

	metrics.SetOpenSessions(open)
	for range purged {
		metrics.IncLeaseEviction("crash")
	}
	slog.Warn("browser process died, relaunching", "index", index, "purged_leases", len(purged))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.relaunch(index)
	}()
}

func (p *Pool) relaunch(index int) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(p.cfg.relaunchDelay()):
		}
		proc, err := p.launcher.Launch(context.Background(), index)
		if err != nil {
			slog.Error("browser relaunch failed", "index", index, "error", err)
			continue
		}
		p.installProc(index, proc)
		metrics.IncBrowserRelaunch()
		slog.Info("browser process relaunched", "index", index)
		return
	}
}
