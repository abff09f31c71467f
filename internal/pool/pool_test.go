package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/erp"
)

type fakeProc struct {
	index int
	done  chan struct{}
	once  sync.Once
}

func newFakeProc(index int) *fakeProc {
	return &fakeProc{index: index, done: make(chan struct{})}
}

func (p *fakeProc) Index() int       { return p.index }
func (p *fakeProc) DebugURL() string { return fmt.Sprintf("http://127.0.0.1:%d", 9222+p.index) }
func (p *fakeProc) Done() <-chan struct{} {
	return p.done
}
func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
func (p *fakeProc) Stop(context.Context) error { p.crash(); return nil }
func (p *fakeProc) Kill() error                { p.crash(); return nil }
func (p *fakeProc) crash()                     { p.once.Do(func() { close(p.done) }) }

type fakeLauncher struct {
	mu       sync.Mutex
	launches map[int]int
	procs    map[int]*fakeProc
	failing  bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launches: map[int]int{}, procs: map[int]*fakeProc{}}
}

func (l *fakeLauncher) Launch(_ context.Context, index int) (browser.Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return nil, errors.New("launch disabled")
	}
	l.launches[index]++
	p := newFakeProc(index)
	l.procs[index] = p
	return p, nil
}

func (l *fakeLauncher) launchCount(index int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[index]
}

func (l *fakeLauncher) setFailing(v bool) {
	l.mu.Lock()
	l.failing = v
	l.mu.Unlock()
}

type fakeDriver struct {
	mu     sync.Mutex
	opens  int32
	checks int32
	closed []string
	valid  bool
	slow   time.Duration
}

func newFakeDriver() *fakeDriver { return &fakeDriver{valid: true} }

func (d *fakeDriver) OpenSession(_ context.Context, p browser.Proc, userID string) (*browser.Session, error) {
	if d.slow > 0 {
		time.Sleep(d.slow)
	}
	n := atomic.AddInt32(&d.opens, 1)
	return &browser.Session{ID: fmt.Sprintf("s%d", n), UserID: userID, Proc: p.Index()}, nil
}

func (d *fakeDriver) CloseSession(_ context.Context, s *browser.Session) error {
	d.mu.Lock()
	d.closed = append(d.closed, s.ID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) CheckSession(context.Context, *browser.Session) (bool, error) {
	atomic.AddInt32(&d.checks, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valid, nil
}

func (d *fakeDriver) setValid(v bool) {
	d.mu.Lock()
	d.valid = v
	d.mu.Unlock()
}

func (d *fakeDriver) closedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

func (d *fakeDriver) PageCount(context.Context, *browser.Session, erp.Domain) (int, error) {
	return 0, nil
}
func (d *fakeDriver) ScrapePage(context.Context, *browser.Session, erp.Domain, int) ([]erp.Item, error) {
	return nil, nil
}
func (d *fakeDriver) DownloadExport(context.Context, *browser.Session, erp.Domain) (string, error) {
	return "", nil
}
func (d *fakeDriver) PlaceOrder(context.Context, *browser.Session, erp.Order) (string, error) {
	return "", nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeLauncher, *fakeDriver) {
	t.Helper()
	l := newFakeLauncher()
	d := newFakeDriver()
	p := New(cfg, l, d)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, l, d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcquireReusesValidLease(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 2})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p.Release(l1, true)
	l2, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if l2.Session.ID != l1.Session.ID {
		t.Fatalf("expected cached session, got %s and %s", l1.Session.ID, l2.Session.ID)
	}
	if atomic.LoadInt32(&d.opens) != 1 {
		t.Fatalf("expected 1 OpenSession, got %d", d.opens)
	}
	if atomic.LoadInt32(&d.checks) != 1 {
		t.Fatalf("expected validation on reuse, got %d checks", d.checks)
	}
}

func TestAcquireReplacesInvalidLeaseTransparently(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 2})
	ctx := context.Background()

	l1, _ := p.Acquire(ctx, "u1")
	p.Release(l1, true)
	d.setValid(false)
	l2, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire after invalidation: %v", err)
	}
	if l2.Session.ID == l1.Session.ID {
		t.Fatalf("invalid session was reused")
	}
	if got := d.closedIDs(); len(got) != 1 || got[0] != l1.Session.ID {
		t.Fatalf("stale session not closed: %v", got)
	}
}

func TestAcquireExpiredLeaseReplaced(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 2, LeaseExpiry: time.Millisecond})
	ctx := context.Background()

	l1, _ := p.Acquire(ctx, "u1")
	p.Release(l1, true)
	time.Sleep(5 * time.Millisecond)
	l2, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l2.Session.ID == l1.Session.ID {
		t.Fatalf("expired session was reused")
	}
	// Expired leases are evicted without a liveness check.
	if atomic.LoadInt32(&d.checks) != 0 {
		t.Fatalf("expired lease should not be validated, got %d checks", d.checks)
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 3, SessionsPerProcess: 2})
	ctx := context.Background()

	var first *Lease
	for i := 1; i <= 6; i++ {
		l, err := p.Acquire(ctx, fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("acquire u%d: %v", i, err)
		}
		if i == 1 {
			first = l
		}
		p.Release(l, true)
		time.Sleep(2 * time.Millisecond)
	}
	if got := p.Stats().OpenSessions; got != 6 {
		t.Fatalf("expected 6 open sessions, got %d", got)
	}

	// The 7th user must evict u1's lease, not fail.
	l7, err := p.Acquire(ctx, "u7")
	if err != nil {
		t.Fatalf("acquire u7: %v", err)
	}
	if got := p.Stats().OpenSessions; got != 6 {
		t.Fatalf("capacity exceeded: %d open sessions", got)
	}
	if got := d.closedIDs(); len(got) != 1 || got[0] != first.Session.ID {
		t.Fatalf("expected u1's session evicted, closed=%v", got)
	}
	p.Release(l7, true)
}

func TestAcquireBalancesAcrossProcesses(t *testing.T) {
	p, _, _ := newTestPool(t, Config{Processes: 3, SessionsPerProcess: 2})
	ctx := context.Background()

	perProc := map[int]int{}
	for i := 1; i <= 3; i++ {
		l, err := p.Acquire(ctx, fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		perProc[l.Session.Proc]++
	}
	for idx, n := range perProc {
		if n != 1 {
			t.Fatalf("process %d has %d sessions, want 1 each", idx, n)
		}
	}
}

func TestReleaseFailureEvicts(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 2})
	ctx := context.Background()

	l1, _ := p.Acquire(ctx, "u1")
	p.Release(l1, false)
	if got := d.closedIDs(); len(got) != 1 {
		t.Fatalf("tainted session not closed: %v", got)
	}
	l2, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire after failed release: %v", err)
	}
	if l2.Session.ID == l1.Session.ID {
		t.Fatalf("tainted session was reused")
	}
}

func TestAcquireFreshAlwaysOpensNewSession(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 3})
	ctx := context.Background()

	cached, _ := p.Acquire(ctx, "u1")
	f1, err := p.AcquireFresh(ctx, "u1")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if f1.Session.ID == cached.Session.ID {
		t.Fatalf("fresh acquire returned the cached session")
	}
	p.Release(f1, true)
	// Dedicated leases are single use even on success.
	if got := d.closedIDs(); len(got) != 1 || got[0] != f1.Session.ID {
		t.Fatalf("dedicated session not closed on release: %v", got)
	}
	// The cached lease survives.
	l, err := p.Acquire(ctx, "u1")
	if err != nil || l.Session.ID != cached.Session.ID {
		t.Fatalf("cached lease lost: %v %v", l, err)
	}
}

func TestAcquireSerializesPerUser(t *testing.T) {
	p, _, d := newTestPool(t, Config{Processes: 2, SessionsPerProcess: 2})
	d.slow = 10 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(ctx, "u1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			p.Release(l, true)
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&d.opens); got != 1 {
		t.Fatalf("expected a single session for one user, got %d opens", got)
	}
}

func TestCrashPurgesLeasesAndRelaunches(t *testing.T) {
	p, l, _ := newTestPool(t, Config{Processes: 2, SessionsPerProcess: 1, RelaunchDelay: time.Millisecond})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	crashed := l1.Session.Proc

	l.mu.Lock()
	proc := l.procs[crashed]
	l.mu.Unlock()
	proc.crash()

	waitFor(t, "relaunch", func() bool { return l.launchCount(crashed) >= 2 })
	waitFor(t, "capacity restored", func() bool { return p.Stats().AliveProcesses == 2 })

	// The purged lease is gone: the next acquire opens a new session.
	l2, err := p.Acquire(ctx, "u1")
	if err != nil {
		t.Fatalf("acquire after crash: %v", err)
	}
	if l2.Session.ID == l1.Session.ID {
		t.Fatalf("lease on crashed process was reused")
	}
}

func TestAcquireExhaustedWhenNoProcessAlive(t *testing.T) {
	p, l, _ := newTestPool(t, Config{Processes: 1, SessionsPerProcess: 2, RelaunchDelay: time.Millisecond})
	l.setFailing(true)

	l.mu.Lock()
	proc := l.procs[0]
	l.mu.Unlock()
	proc.crash()
	waitFor(t, "process marked dead", func() bool { return p.Stats().AliveProcesses == 0 })

	_, err := p.Acquire(context.Background(), "u1")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}
