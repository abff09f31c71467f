package cron

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

// Requester accepts sync requests. The orchestrator satisfies it.
type Requester interface {
	RequestSync(d erp.Domain, priority int)
}

// Job is one recurring sync request.
// Schedule supports only the form "@every <duration>" (e.g., "@every 30m").
type Job struct {
	Domain   erp.Domain `mapstructure:"domain"`
	Schedule string     `mapstructure:"schedule"`
	Priority int        `mapstructure:"priority"` // 0 = domain default
	// Singleton skips a tick while the domain is still queued or running.
	// The orchestrator deduplicates anyway; skipping keeps ticks from
	// repeatedly raising priority.
	Singleton bool `mapstructure:"singleton"`
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if _, err := erp.ParseDomain(string(j.Domain)); err != nil {
		return err
	}
	if j.Schedule == "" {
		return fmt.Errorf("cron job for %s requires a schedule", j.Domain)
	}
	_, err := parseEvery(j.Schedule)
	return err
}

// Scheduler fires periodic sync requests into the orchestrator.
// Use Start to launch the tickers and Stop to cancel them.
type Scheduler struct {
	req  Requester
	busy func(d erp.Domain) bool // reports queued-or-running, may be nil
	jobs []*Job
	quit chan struct{}
}

func NewScheduler(req Requester, busy func(d erp.Domain) bool) *Scheduler {
	return &Scheduler{req: req, busy: busy}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start() error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	s.quit = make(chan struct{})
	for _, j := range s.jobs {
		d, err := parseEvery(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Domain, err)
		}
		go s.runJob(j, d)
	}
	return nil
}

func (s *Scheduler) runJob(j *Job, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			if j.Singleton && s.busy != nil && s.busy(j.Domain) {
				slog.Debug("cron tick skipped, domain busy", "domain", j.Domain)
				continue
			}
			s.req.RequestSync(j.Domain, j.Priority)
		}
	}
}

// Stop cancels all jobs.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}
