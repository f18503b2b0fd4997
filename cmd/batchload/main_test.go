package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gateway-fm/batchload/internal/config"
)

// fakeNode is a minimal JSON-RPC node with one managed account.
type fakeNode struct {
	mu    sync.Mutex
	sends int
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result any
	switch req.Method {
	case "eth_accounts":
		result = []string{"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"}
	case "eth_getTransactionCount":
		result = "0x7"
	case "eth_getBalance":
		result = "0xde0b6b3a7640000"
	case "eth_sendTransaction":
		n.mu.Lock()
		n.sends++
		result = fmt.Sprintf("0x%064x", n.sends)
		n.mu.Unlock()
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func TestRunWritesResults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	node := &fakeNode{}
	ts := httptest.NewServer(node)
	defer ts.Close()

	results := filepath.Join("out", "results.json")
	dbPath := "history.db"
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-provider", ts.URL,
		"-dest", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"-duration-ms", "30",
		"-interval-ms", "10",
		"-batch-size", "2",
		"-results", results,
		"-database", dbPath,
		"-log-level", "warn",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d\nstdout: %s\nstderr: %s", code, stdout.String(), stderr.String())
	}

	data, err := os.ReadFile(results)
	if err != nil {
		t.Fatalf("results not written: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("results not JSON: %v", err)
	}
	// Balances never move on the fake node
	if got["weiSpent"] != "0" || got["weiTransferred"] != "0" || got["errors"] != "0" {
		t.Errorf("unexpected results: %s", data)
	}

	node.mu.Lock()
	sends := node.sends
	node.mu.Unlock()
	if got["transactions"] != fmt.Sprint(sends) || sends == 0 || sends%2 != 0 {
		t.Errorf("transactions = %v, node saw %d sends", got["transactions"], sends)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("history database not created: %v", err)
	}
}

func TestRunSetupFailureExitCode(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-provider", ts.URL,
		"-dest", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"-duration-ms", "10",
	}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if _, err := os.Stat("results.json"); !os.IsNotExist(err) {
		t.Errorf("no results file expected after setup failure, stat err = %v", err)
	}
	if !strings.Contains(stdout.String(), "run failed") {
		t.Errorf("expected run failure log, got: %s", stdout.String())
	}
}

func TestRunInvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-dest", "not-an-address"}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "invalid configuration") {
		t.Errorf("stderr = %s", stderr.String())
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-h"}, &stdout, &stderr); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "-batch-size") {
		t.Errorf("usage not printed: %s", stdout.String())
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg      config.LogConfig
		wantJSON bool
		debug    bool
	}{
		{config.LogConfig{Level: "info", Format: "json"}, true, false},
		{config.LogConfig{Level: "DEBUG", Format: "text"}, false, true},
		{config.LogConfig{Level: "bogus", Format: ""}, true, false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := newLogger(&buf, tt.cfg)
		logger.Debug("dbg")
		logger.Info("hello")

		out := buf.String()
		if got := strings.HasPrefix(out, "{"); got != tt.wantJSON {
			t.Errorf("%+v: JSON output = %v, want %v (%q)", tt.cfg, got, tt.wantJSON, out)
		}
		if got := strings.Contains(out, "dbg"); got != tt.debug {
			t.Errorf("%+v: debug logged = %v, want %v", tt.cfg, got, tt.debug)
		}
	}
}
