package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/helpdesk-exporter/internal/config"
	"github.com/Sternrassler/helpdesk-exporter/internal/testutil"
)

func writeConfig(t *testing.T, mock *testutil.MockHelpdesk) string {
	t.Helper()
	content := fmt.Sprintf(`
login = "agent@example.com"
password = "secret"
base_url = %q

[enrich]
initial_backoff = "1ms"
max_backoff = "5ms"
rate_limit_backoff = "10ms"
`, mock.BaseURL())

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Defaults(t *testing.T) {
	cmd := newRootCommand()

	tests := map[string]string{
		"config":       config.DefaultPath,
		"tickets":      "false",
		"users":        "false",
		"output-dir":   "",
		"log-level":    "",
		"log-pretty":   "false",
		"metrics-addr": "",
	}
	for name, want := range tests {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			t.Errorf("flag --%s not defined", name)
			continue
		}
		if flag.DefValue != want {
			t.Errorf("--%s default = %q, want %q", name, flag.DefValue, want)
		}
	}
	if cmd.Flags().ShorthandLookup("c") == nil {
		t.Error("expected -c shorthand for --config")
	}
}

func TestRun_ExportsBothResources(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetPagedResource("tickets", testutil.IDRecords(1))
	mock.SetPagedResource("users", testutil.IDRecords(2))
	mock.SetResponse("tickets/1/comments", testutil.NewJSONResponse(`{"comments":[{"id":3}]}`))

	outDir := t.TempDir()
	logs, err := execute(t, "-c", writeConfig(t, mock), "--output-dir", outDir, "--metrics-addr", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Execute() error = %v\n%s", err, logs)
	}

	for _, name := range []string{"tickets.json", "users.json"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(outDir, "tickets.json"))
	if err != nil {
		t.Fatalf("read tickets.json: %v", err)
	}
	if !strings.Contains(string(data), "\n  {\n    \"comments\": [") {
		t.Errorf("tickets.json not pretty-printed with comments:\n%s", data)
	}
	if strings.Contains(logs, "secret") {
		t.Error("logs must not contain the password")
	}
}

func TestRun_UsersOnly(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()
	mock.SetPagedResource("users", testutil.IDRecords(2))

	outDir := t.TempDir()
	if logs, err := execute(t, "--config", writeConfig(t, mock), "--users", "--output-dir", outDir); err != nil {
		t.Fatalf("Execute() error = %v\n%s", err, logs)
	}

	if mock.PathCount("tickets") != 0 {
		t.Error("tickets should not be requested with --users")
	}
	if _, err := os.Stat(filepath.Join(outDir, "tickets.json")); !os.IsNotExist(err) {
		t.Error("tickets.json should not be written with --users")
	}
}

func TestRun_MissingConfigFails(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestRun_InvalidLogLevelFlag(t *testing.T) {
	mock := testutil.NewMockHelpdesk()
	defer mock.Close()

	_, err := execute(t, "-c", writeConfig(t, mock), "--log-level", "chatty")
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("Execute() error = %v, want logging.level validation error", err)
	}
	if mock.RequestCount() != 0 {
		t.Error("no requests should be sent with an invalid configuration")
	}
}

func TestRun_RejectsArguments(t *testing.T) {
	if _, err := execute(t, "tickets"); err == nil {
		t.Error("Expected error for positional argument")
	}
}
