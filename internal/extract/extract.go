package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

// Some domains are not exposed as listing pages: the application serves them as
// PDF exports. Parsing PDFs is delegated to an external extractor command that
// reads the downloaded file and prints a JSON array of records on stdout.

// Config describes the extractor subprocess.
type Config struct {
	Command string        `mapstructure:"command"` // shell command line
	Timeout time.Duration `mapstructure:"timeout"`
}

// Runner invokes the extractor for one exported document at a time.
type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner { return &Runner{cfg: cfg} }

// record is the wire shape the extractor prints, one element per entity.
type record struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Run executes the extractor against the file at path and returns the parsed
// items. The domain and file path are passed through the environment so the
// command line can reference them:
//
//	python3 parse_export.py "$ERPSYNC_EXTRACT_FILE" --domain "$ERPSYNC_EXTRACT_DOMAIN"
func (r *Runner) Run(ctx context.Context, domain erp.Domain, path string) ([]erp.Item, error) {
	if r.cfg.Command == "" {
		return nil, fmt.Errorf("extract: no command configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("extract: export file: %w", err)
	}
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.cfg.Command)
	cmd.Env = append(os.Environ(),
		"ERPSYNC_EXTRACT_DOMAIN="+string(domain),
		"ERPSYNC_EXTRACT_FILE="+path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("extract: %s failed: %w: %s", domain, err, msg)
		}
		return nil, fmt.Errorf("extract: %s failed: %w", domain, err)
	}

	var recs []record
	if err := json.Unmarshal(stdout.Bytes(), &recs); err != nil {
		return nil, fmt.Errorf("extract: %s output is not valid JSON: %w", domain, err)
	}
	items := make([]erp.Item, 0, len(recs))
	for i, rec := range recs {
		if rec.ID == "" {
			return nil, fmt.Errorf("extract: %s record %d has no id", domain, i)
		}
		if rec.Fields == nil {
			rec.Fields = map[string]string{}
		}
		items = append(items, erp.Item{ID: rec.ID, Fields: rec.Fields})
	}
	return items, nil
}
