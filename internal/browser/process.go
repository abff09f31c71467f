package browser

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"context"

	"github.com/loykin/erpsync/internal/logger"
)

// Config describes how headless browser processes are launched.
// Command is a shell command line; the launcher exports ERPSYNC_DEBUG_PORT and
// ERPSYNC_PROFILE_DIR so the flags can reference them, e.g.
//
//	chromium --headless=new --remote-debugging-port=$ERPSYNC_DEBUG_PORT \
//	    --user-data-dir=$ERPSYNC_PROFILE_DIR --no-first-run --disable-gpu
type Config struct {
	Command       string `mapstructure:"command"`
	Driver        string `mapstructure:"driver"`          // registered driver name, empty = sole registered
	BaseDebugPort int    `mapstructure:"base_debug_port"` // process i listens on BaseDebugPort+i
	UserDataRoot  string `mapstructure:"user_data_root"`  // per-process profile dirs live below this
	Log           logger.Config
}

func (c Config) debugPort(index int) int {
	base := c.BaseDebugPort
	if base <= 0 {
		base = 9222
	}
	return base + index
}

// Process is one running headless browser instance. Sessions are opened against
// its remote debugging endpoint by the Driver.
type Process struct {
	index int
	port  int

	mu        sync.Mutex
	cmd       *exec.Cmd
	startedAt time.Time
	exitErr   error
	done      chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func (p *Process) Index() int       { return p.index }
func (p *Process) DebugURL() string { return fmt.Sprintf("http://127.0.0.1:%d", p.port) }

// Done is closed when the underlying process exits, however that happens.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error cmd.Wait reported, once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Launcher starts browser processes from a Config.
type Launcher struct {
	cfg Config
}

func NewLauncher(cfg Config) *Launcher { return &Launcher{cfg: cfg} }

// Launch starts browser process number index and begins monitoring it.
// Stdout/stderr are captured through rotating log writers when configured.
func (l *Launcher) Launch(ctx context.Context, index int) (*Process, error) {
	cfg := l.cfg
	if cfg.Command == "" {
		return nil, fmt.Errorf("browser: no command configured")
	}
	port := cfg.debugPort(index)
	name := fmt.Sprintf("browser-%d", index)

	env := append(os.Environ(), fmt.Sprintf("ERPSYNC_DEBUG_PORT=%d", port))
	if cfg.UserDataRoot != "" {
		dir := filepath.Join(cfg.UserDataRoot, name)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("browser: create profile dir: %w", err)
		}
		env = append(env, "ERPSYNC_PROFILE_DIR="+dir)
	}

	cmd := exec.Command("/bin/sh", "-c", cfg.Command)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{index: index, port: port, done: make(chan struct{})}
	if cfg.Log.Dir != "" || cfg.Log.StdoutPath != "" || cfg.Log.StderrPath != "" {
		if cfg.Log.Dir != "" {
			_ = os.MkdirAll(cfg.Log.Dir, 0o750)
		}
		outW, errW, _ := cfg.Log.Writers(name)
		p.outCloser, p.errCloser = outW, errW
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
	}
	if cmd.Stdout == nil {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, fmt.Errorf("browser: start %s: %w", name, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.startedAt = time.Now()
	p.mu.Unlock()
	slog.Info("browser process started", "index", index, "pid", cmd.Process.Pid, "port", port)

	go p.monitor()

	if err := ctx.Err(); err != nil {
		_ = p.Kill()
		return nil, err
	}
	return p, nil
}

// monitor reaps the process and closes done on exit.
func (p *Process) monitor() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.closeWriters()
	close(p.done)
	slog.Warn("browser process exited", "index", p.index, "error", err)
}

// Stop terminates the process group gracefully, escalating to SIGKILL when the
// context deadline is hit before exit.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !p.Alive() {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-p.done:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
		return ctx.Err()
	}
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
	return nil
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
	p.mu.Unlock()
}
