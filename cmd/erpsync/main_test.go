package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type recordedReq struct {
	method string
	path   string
	body   map[string]any
}

// fakeDaemon records API calls and answers with canned JSON.
type fakeDaemon struct {
	mu   sync.Mutex
	reqs []recordedReq
}

func (f *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.reqs = append(f.reqs, recordedReq{method: r.Method, path: r.URL.Path, body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/orders" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"job-1"}`))
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (f *fakeDaemon) last(t *testing.T) recordedReq {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatalf("daemon received no requests")
	}
	return f.reqs[len(f.reqs)-1]
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	root := buildRoot()
	root.SetOut(bytes.NewBuffer(nil))
	root.SetErr(bytes.NewBuffer(nil))
	root.SetArgs(args)
	return root.Execute()
}

func TestSyncCommandCallsAPI(t *testing.T) {
	fd := &fakeDaemon{}
	srv := httptest.NewServer(fd)
	defer srv.Close()

	if err := runCLI(t, "sync", "customers", "--priority=80", "--api-url", srv.URL+"/api"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	req := fd.last(t)
	if req.method != http.MethodPost || req.path != "/api/sync/customers" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSyncCommandRejectsUnknownDomain(t *testing.T) {
	if err := runCLI(t, "sync", "warehouse"); err == nil {
		t.Fatalf("unknown domain accepted")
	}
}

func TestOrderCreateSendsFile(t *testing.T) {
	fd := &fakeDaemon{}
	srv := httptest.NewServer(fd)
	defer srv.Close()

	p := filepath.Join(t.TempDir(), "order.json")
	order := `{"user_id":"agent-7","customer_code":"C001","lines":[{"product_code":"P1","quantity":2}]}`
	if err := os.WriteFile(p, []byte(order), 0o600); err != nil {
		t.Fatalf("write order: %v", err)
	}

	if err := runCLI(t, "order", "create", "--file", p, "--api-url", srv.URL+"/api"); err != nil {
		t.Fatalf("order create: %v", err)
	}
	req := fd.last(t)
	if req.path != "/api/orders" || req.body["customer_code"] != "C001" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestFastPathCommands(t *testing.T) {
	fd := &fakeDaemon{}
	srv := httptest.NewServer(fd)
	defer srv.Close()

	if err := runCLI(t, "fastpath", "enter", "--api-url", srv.URL+"/api"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if got := fd.last(t); got.path != "/api/fastpath" || got.method != http.MethodPost {
		t.Fatalf("unexpected request: %+v", got)
	}
	if err := runCLI(t, "fastpath", "exit", "--api-url", srv.URL+"/api"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if got := fd.last(t); got.method != http.MethodDelete {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestServeRequiresConfig(t *testing.T) {
	if err := runCLI(t, "serve"); err == nil {
		t.Fatalf("serve without config accepted")
	}
}

func TestServeRequiresDriver(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.toml")
	cfg := `
[browser]
command = "sleep 60"
[sync]
sync_user = "sync-bot"
`
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := runCLI(t, "serve", p); err == nil {
		t.Fatalf("serve without a registered driver accepted")
	}
}
