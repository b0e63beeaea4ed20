package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/kindred/internal/buildinfo"
	"github.com/nugget/kindred/internal/config"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: kindred") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without text", []string{"ask"}, "usage: kindred ask"},
		{"missing explicit config", []string{"-config", "/nonexistent/kindred.yaml", "plan"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_VersionText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run error = %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "Kindred "+buildinfo.Version) {
		t.Errorf("output does not start with banner:\n%s", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("output missing go_version:\n%s", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
	if _, ok := info["uptime"]; ok {
		t.Error("version output should not include uptime")
	}
}

func TestRun_Plan(t *testing.T) {
	path := writeTestConfig(t, `
timezone: UTC
scheduler:
  day_window_start: "10:00"
  day_window_end: "12:00"
  min_messages: 2
  max_messages: 4
  seed: 42
`)

	var first, second, stderr bytes.Buffer
	if err := run(context.Background(), &first, &stderr, []string{"-config", path, "plan"}); err != nil {
		t.Fatalf("run plan error = %v", err)
	}
	if err := run(context.Background(), &second, &stderr, []string{"-config=" + path, "plan"}); err != nil {
		t.Fatalf("second run plan error = %v", err)
	}

	out := first.String()
	if !strings.HasPrefix(out, "Plan for ") || !strings.Contains(out, "(UTC)") {
		t.Errorf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "Night message: once between 22:00 and 24:00") {
		t.Errorf("missing night window line:\n%s", out)
	}

	var slots int
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 5 && line[2] == ':' {
			if line < "10:00" || line >= "12:00" {
				t.Errorf("planned time %s outside the day window", line)
			}
			slots++
		}
	}
	if slots < 2 || slots > 4 {
		t.Errorf("planned %d times, want 2..4:\n%s", slots, out)
	}

	// A fixed seed draws the same times every run.
	trim := func(s string) string { return s[strings.Index(s, "\n"):] }
	if trim(first.String()) != trim(second.String()) {
		t.Errorf("seeded plans differ:\n%s\n%s", first.String(), second.String())
	}
}

func TestRun_PlanJSON(t *testing.T) {
	path := writeTestConfig(t, "timezone: UTC\nscheduler:\n  seed: 7\n")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "-o", "json", "plan"}); err != nil {
		t.Fatalf("run error = %v", err)
	}

	var got struct {
		Date        string   `json:"date"`
		Timezone    string   `json:"timezone"`
		Planned     []string `json:"planned"`
		NightWindow []string `json:"night_window"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if got.Timezone != "UTC" {
		t.Errorf("timezone = %q, want UTC", got.Timezone)
	}
	if len(got.Planned) < 2 || len(got.Planned) > 3 {
		t.Errorf("planned = %v, want 2..3 entries (defaults)", got.Planned)
	}
	if len(got.NightWindow) != 2 || got.NightWindow[0] != "22:00" {
		t.Errorf("night_window = %v", got.NightWindow)
	}
}

func TestRun_PlanRejectsBadWindow(t *testing.T) {
	path := writeTestConfig(t, "scheduler:\n  day_window_start: \"18:00\"\n  day_window_end: \"09:00\"\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "plan"})
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("error = %v, want ErrConfig", err)
	}
}

func TestRun_ServeRejectsInvalidConfig(t *testing.T) {
	// No recipient, no API key, no Twilio credentials.
	path := writeTestConfig(t, "log_level: info\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "serve"})
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("error = %v, want ErrConfig", err)
	}
	for _, want := range []string{"recipient.address", "llm.api_key", "twilio.account_sid"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestRun_ServeReturnsWhenPortTaken(t *testing.T) {
	tests := []struct {
		name      string
		transport string
	}{
		{"twilio", `twilio:
  account_sid: ACtest
  auth_token: secret
  base_url: http://127.0.0.1:1
`},
		// A silent subprocess stands in for signal-cli so the bridge
		// goroutine is running when startup fails.
		{"signal", `transport:
  kind: signal
signal:
  command: sh
  args: ["-c", "cat >/dev/null"]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "signal" {
				if _, err := exec.LookPath("sh"); err != nil {
					t.Skip("sh not available")
				}
			}

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			defer ln.Close()
			port := ln.Addr().(*net.TCPAddr).Port

			path := writeTestConfig(t, fmt.Sprintf(`log_level: error
listen:
  address: 127.0.0.1
  port: %d
recipient:
  address: "+15551234567"
llm:
  api_key: test-key
  base_url: http://127.0.0.1:1/v1
`, port)+tt.transport)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- run(ctx, io.Discard, io.Discard, []string{"-config", path, "serve"})
			}()

			select {
			case err := <-done:
				if err == nil {
					t.Fatal("serve returned nil with its port already bound")
				}
				if !strings.Contains(err.Error(), "server failed") {
					t.Errorf("error = %v, want server failure", err)
				}
			case <-time.After(15 * time.Second):
				t.Fatalf("serve did not return after failing to bind port %d", port)
			}
		})
	}
}

func TestRun_AskRequiresAPIKey(t *testing.T) {
	path := writeTestConfig(t, "recipient:\n  address: \"+15551234567\"\n")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "ask", "hello"})
	if !errors.Is(err, config.ErrConfig) {
		t.Errorf("error = %v, want ErrConfig", err)
	}
}

func TestProviderName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://openrouter.ai/api/v1", "openrouter.ai"},
		{"http://localhost:11434/v1", "localhost"},
		{"", "openai"},
		{"::not a url", "openai"},
	}
	for _, tt := range tests {
		if got := providerName(tt.in); got != tt.want {
			t.Errorf("providerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
