package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

func writeExport(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "export.pdf")
	if err := os.WriteFile(p, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatalf("write export: %v", err)
	}
	return p
}

func TestRunParsesExtractorOutput(t *testing.T) {
	r := New(Config{
		Command: `echo '[{"id":"D100","fields":{"customer":"C001","total":"120.50"}},{"id":"D101","fields":{"customer":"C002"}}]'`,
	})
	items, err := r.Run(context.Background(), erp.DomainDDT, writeExport(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "D100" || items[0].Fields["total"] != "120.50" {
		t.Fatalf("item mismatch: %+v", items[0])
	}
}

func TestRunPassesEnvironment(t *testing.T) {
	path := writeExport(t)
	r := New(Config{
		Command: `echo '[{"id":"'$ERPSYNC_EXTRACT_DOMAIN'","fields":{"file":"'$ERPSYNC_EXTRACT_FILE'"}}]'`,
	})
	items, err := r.Run(context.Background(), erp.DomainInvoices, path)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if items[0].ID != string(erp.DomainInvoices) {
		t.Fatalf("domain not passed through env: %+v", items[0])
	}
	if items[0].Fields["file"] != path {
		t.Fatalf("file not passed through env: %+v", items[0])
	}
}

func TestRunSurfacesStderr(t *testing.T) {
	r := New(Config{Command: `echo "page 3: unreadable table" >&2; exit 1`})
	_, err := r.Run(context.Background(), erp.DomainDDT, writeExport(t))
	if err == nil || !strings.Contains(err.Error(), "unreadable table") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestRunRejectsBadJSON(t *testing.T) {
	r := New(Config{Command: `echo not-json`})
	if _, err := r.Run(context.Background(), erp.DomainDDT, writeExport(t)); err == nil {
		t.Fatalf("expected JSON error")
	}
}

func TestRunTimeout(t *testing.T) {
	r := New(Config{Command: "sleep 5", Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := r.Run(context.Background(), erp.DomainDDT, writeExport(t))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestRunMissingFile(t *testing.T) {
	r := New(Config{Command: "true"})
	if _, err := r.Run(context.Background(), erp.DomainDDT, "/nonexistent/export.pdf"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
