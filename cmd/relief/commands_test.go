package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/prakriti-bh/disaster-mgmt-platform/internal/api"
	"github.com/prakriti-bh/disaster-mgmt-platform/internal/storage"
)

type testServer struct {
	server *httptest.Server
	store  *storage.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening server store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	handler, err := api.NewServerHandler(api.ServerDeps{Store: store})
	if err != nil {
		t.Fatalf("NewServerHandler: %v", err)
	}
	ts := &testServer{server: httptest.NewServer(handler), store: store}
	t.Cleanup(ts.server.Close)
	return ts
}

// setupEnv points config at temporary directories and the given server.
func setupEnv(t *testing.T, serverURL string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("RELIEF_STORAGE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("RELIEF_CLIENT_SERVER_URL", serverURL)
	t.Setenv("RELIEF_CLIENT_TIMEOUT", "2s")
	t.Setenv("RELIEF_LOG_LEVEL", "error")
	return dir
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func cachedRecords(t *testing.T, col string) []storage.Record {
	t.Helper()
	out, err := runCLI(t, "records", col, "--json")
	if err != nil {
		t.Fatalf("records %s: %v", col, err)
	}
	var recs []storage.Record
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("parsing records output %q: %v", out, err)
	}
	return recs
}

var submitArgs = []string{
	"report", "submit",
	"--title", "Bridge collapsed",
	"--description", "The footbridge over the canal is down",
	"--type", "damage",
	"--lat", "20.2961",
	"--lng", "85.8245",
	"--severity", "4",
}

func TestReportSubmitOnline(t *testing.T) {
	ts := newTestServer(t)
	setupEnv(t, ts.server.URL)

	if _, err := runCLI(t, submitArgs...); err != nil {
		t.Fatalf("report submit: %v", err)
	}

	onServer, _ := ts.store.ListRecords(storage.Reports)
	if len(onServer) != 1 {
		t.Fatalf("server reports = %d, want 1", len(onServer))
	}
	recs := cachedRecords(t, "reports")
	if len(recs) != 1 || recs[0].ID != onServer[0].ID {
		t.Fatalf("cached = %+v, want server record %s", recs, onServer[0].ID)
	}
	if recs[0].Meta.State != storage.StateConfirmed {
		t.Errorf("state = %q, want confirmed", recs[0].Meta.State)
	}
}

func TestReportSubmitOfflineThenSync(t *testing.T) {
	ts := newTestServer(t)
	down := httptest.NewServer(nil)
	down.Close()
	setupEnv(t, down.URL)

	if _, err := runCLI(t, submitArgs...); err != nil {
		t.Fatalf("offline report submit: %v", err)
	}
	out, err := runCLI(t, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "submitReport") {
		t.Errorf("queue list = %q, want the queued submission", out)
	}
	recs := cachedRecords(t, "reports")
	if len(recs) != 1 || recs[0].Meta.State != storage.StatePending {
		t.Fatalf("cached = %+v, want one pending report", recs)
	}

	if _, err := runCLI(t, "sync"); err == nil {
		t.Error("sync while offline succeeded")
	}

	t.Setenv("RELIEF_CLIENT_SERVER_URL", ts.server.URL)
	if _, err := runCLI(t, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	onServer, _ := ts.store.ListRecords(storage.Reports)
	if len(onServer) != 1 {
		t.Fatalf("server reports after sync = %d, want 1", len(onServer))
	}
	out, _ = runCLI(t, "queue", "list")
	if !strings.Contains(out, "Queue is empty.") {
		t.Errorf("queue list after sync = %q", out)
	}
	recs = cachedRecords(t, "reports")
	if len(recs) != 1 || recs[0].ID != onServer[0].ID || recs[0].Meta.State != storage.StateConfirmed {
		t.Errorf("cached after sync = %+v", recs)
	}
}

func TestResourceUpdateKeepsCapacity(t *testing.T) {
	ts := newTestServer(t)
	setupEnv(t, ts.server.URL)
	ts.store.PutRecord(storage.Resources, storage.Record{ID: "res-1", Fields: map[string]any{
		"name": "Stadium shelter", "type": "shelter", "status": "active",
		"capacity": map[string]any{"total": 400.0, "available": 120.0},
	}}, time.Now())

	if _, err := runCLI(t, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := runCLI(t, "resource", "update", "res-1", "--available", "0", "--status", "full"); err != nil {
		t.Fatalf("resource update: %v", err)
	}

	stored, err := ts.store.GetRecord(storage.Resources, "res-1")
	if err != nil {
		t.Fatal(err)
	}
	capacity, _ := stored.Fields["capacity"].(map[string]any)
	if stored.StringField("status") != "full" || capacity["total"] != 400.0 || capacity["available"] != 0.0 {
		t.Errorf("server record = %v", stored.Fields)
	}
}

func TestResourceUpdateNeedsFields(t *testing.T) {
	ts := newTestServer(t)
	setupEnv(t, ts.server.URL)
	if _, err := runCLI(t, "resource", "update", "res-1"); err == nil {
		t.Error("expected error without fields")
	}
}

func TestAlertUpdateRejectedByServer(t *testing.T) {
	ts := newTestServer(t)
	setupEnv(t, ts.server.URL)
	ts.store.PutRecord(storage.Alerts, storage.Record{ID: "a1", Fields: map[string]any{
		"title": "Heat wave", "severity": "warning",
	}}, time.Now())

	if _, err := runCLI(t, "alert", "update", "a1", "--severity", "apocalyptic"); err == nil {
		t.Error("expected validation error")
	}
	out, _ := runCLI(t, "queue", "list")
	if !strings.Contains(out, "Queue is empty.") {
		t.Errorf("rejected update was queued: %q", out)
	}
}

func TestRecordsRejectsUnknownInput(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")
	if _, err := runCLI(t, "records", "shelters"); err == nil {
		t.Error("expected error for unknown collection")
	}
	if _, err := runCLI(t, "records", "alerts", "--state", "lost"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestStatusJSON(t *testing.T) {
	ts := newTestServer(t)
	setupEnv(t, ts.server.URL)

	out, err := runCLI(t, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st struct {
		Online      bool `json:"online"`
		QueueLength int  `json:"queueLength"`
		Collections []struct {
			Collection string `json:"collection"`
			Strategy   string `json:"strategy"`
		} `json:"collections"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("parsing status %q: %v", out, err)
	}
	if !st.Online || st.QueueLength != 0 || len(st.Collections) != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.Collections[0].Strategy != "serverWins" {
		t.Errorf("default strategy = %q", st.Collections[0].Strategy)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	if _, err := runCLI(t, "config", "set", "sync.strategy.alerts", "merge"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "sync.strategy.alerts = merge") {
		t.Errorf("config show missing new value:\n%s", out)
	}
	if strings.Contains(out, "token") {
		t.Errorf("config show printed a secret key:\n%s", out)
	}
}

func TestConfigSetRejectsBadValues(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")
	for _, args := range [][]string{
		{"config", "set", "sync.strategy.alerts", "coinflip"},
		{"config", "set", "client.token", "secret"},
		{"config", "set", "no.such.key", "1"},
	} {
		if _, err := runCLI(t, args...); err == nil {
			t.Errorf("%v succeeded, want error", args)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !processAlive(pid) {
		t.Errorf("own PID %d reported dead", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after removal")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorRed, "test")
	if result != "test" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorRed, "test")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintRecords(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	printRecords(&buf, []storage.Record{
		{ID: "r1", Fields: map[string]any{"title": "Road flooded"}, Meta: storage.Metadata{State: storage.StatePending}},
		{ID: "res-2", Fields: map[string]any{"name": "Water point"}, Meta: storage.Metadata{State: storage.StateFailed, LastError: "server said no"}},
	})
	out := buf.String()
	for _, want := range []string{"r1  pending", "Road flooded", "res-2  failed", "Water point", "last error: server said no"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
