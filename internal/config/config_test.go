package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

const sampleTOML = `
log_level = "debug"
log_color = true

[log]
dir = "/var/log/erpsync"
max_size_mb = 20

[server]
listen = ":9090"

[store]
type = "sqlite"
path = "/var/lib/erpsync/erpsync.db"

[browser]
command = "chromium --headless=new --remote-debugging-port=$ERPSYNC_DEBUG_PORT"
base_debug_port = 9300

[pool]
processes = 3
sessions_per_process = 2
lease_expiry = "30m"

[orchestrator]
fast_path_domain = "orders"
lock_attempts = 10
lock_interval = "2s"

[orchestrator.priorities]
customers = 55

[sync]
sync_user = "sync-bot"
freshness = "45m"

[order]
job_timeout = "5m"

[extract]
command = "python3 parse_export.py"
timeout = "90s"

[history]
sinks = ["clickhouse://localhost:9000?database=erp"]

[[cron]]
domain = "customers"
schedule = "@every 1h"
singleton = true

[[cron]]
domain = "prices"
schedule = "@every 6h"
priority = 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "erpsync.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFullConfig(t *testing.T) {
	fc, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.LogLevel != "debug" || !fc.LogColor {
		t.Fatalf("log settings: %+v", fc)
	}
	if fc.Log.Dir != "/var/log/erpsync" || fc.Log.MaxSizeMB != 20 {
		t.Fatalf("log rotation: %+v", fc.Log)
	}
	if fc.Server.Listen != ":9090" {
		t.Fatalf("server: %+v", fc.Server)
	}
	if fc.Store.Type != "sqlite" || fc.Store.Path == "" {
		t.Fatalf("store: %+v", fc.Store)
	}
	if fc.Browser.BaseDebugPort != 9300 {
		t.Fatalf("browser: %+v", fc.Browser)
	}
	if fc.Pool.Processes != 3 || fc.Pool.LeaseExpiry != 30*time.Minute {
		t.Fatalf("pool: %+v", fc.Pool)
	}
	if fc.Orchestrator.LockInterval != 2*time.Second {
		t.Fatalf("orchestrator: %+v", fc.Orchestrator)
	}
	if fc.Orchestrator.Priorities[erp.DomainCustomers] != 55 {
		t.Fatalf("priorities: %+v", fc.Orchestrator.Priorities)
	}
	if fc.Sync.SyncUser != "sync-bot" || fc.Sync.Freshness != 45*time.Minute {
		t.Fatalf("sync: %+v", fc.Sync)
	}
	if fc.Order.JobTimeout != 5*time.Minute {
		t.Fatalf("order: %+v", fc.Order)
	}
	if fc.Extract.Timeout != 90*time.Second {
		t.Fatalf("extract: %+v", fc.Extract)
	}
	if len(fc.History.Sinks) != 1 {
		t.Fatalf("history: %+v", fc.History)
	}
	if len(fc.Cron) != 2 || fc.Cron[0].Domain != erp.DomainCustomers || !fc.Cron[0].Singleton {
		t.Fatalf("cron: %+v", fc.Cron)
	}
	if fc.Cron[1].Priority != 3 {
		t.Fatalf("cron priority: %+v", fc.Cron[1])
	}
	if fc.Server.ListenOrDefault() != ":9090" {
		t.Fatalf("ListenOrDefault: %s", fc.Server.ListenOrDefault())
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"no browser command": `
[sync]
sync_user = "sync-bot"
`,
		"no sync user": `
[browser]
command = "chromium"
`,
		"bad log level": `
log_level = "loud"
[browser]
command = "chromium"
[sync]
sync_user = "sync-bot"
`,
		"cron without schedule": `
[browser]
command = "chromium"
[sync]
sync_user = "sync-bot"
[[cron]]
domain = "customers"
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: config accepted", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/erpsync.toml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
