package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setupCLIEnv(t *testing.T) {
	t.Setenv("INVENTARIO_DATABASE_DIALECT", "sqlite")
	t.Setenv("INVENTARIO_DATABASE_DSN", filepath.Join(t.TempDir(), "inventario.db"))
	t.Setenv("INVENTARIO_ADMIN_EMAIL", "admin@example.com")
	t.Setenv("INVENTARIO_ADMIN_PASSWORD", "s3cret")
}

var secretPattern = regexp.MustCompile(`agk_[0-9a-f]{64}`)

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("Expected JSON output, got %q", out)
	}
	if info["version"] != "test" || info["commit"] != "abc123" {
		t.Errorf("Unexpected version info %v", info)
	}
}

func TestAgentKeyCommands(t *testing.T) {
	setupCLIEnv(t)

	out, err := runCLI(t, "agent", "generate-key", "--name", "Lab 1 agent", "--version", "2.0")
	if err != nil {
		t.Fatalf("generate-key failed: %v\n%s", err, out)
	}
	secret := secretPattern.FindString(out)
	if secret == "" {
		t.Fatalf("Expected a secret in output, got %q", out)
	}

	out, err = runCLI(t, "agent", "list", "--json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Contains(out, secret) {
		t.Error("list must not print secrets")
	}
	var rows []keyRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Expected JSON list, got %q", out)
	}
	if len(rows) != 1 || rows[0].Name != "Lab 1 agent" || !rows[0].Active {
		t.Fatalf("Unexpected rows %+v", rows)
	}
	if rows[0].Prefix != secret[:12] {
		t.Errorf("Expected prefix %q, got %q", secret[:12], rows[0].Prefix)
	}

	out, err = runCLI(t, "agent", "revoke", "1")
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if !strings.Contains(out, "Revoked agent key 1") {
		t.Errorf("Unexpected revoke output %q", out)
	}

	out, _ = runCLI(t, "agent", "list", "--json")
	json.Unmarshal([]byte(out), &rows)
	if rows[0].Active {
		t.Error("Expected key to be inactive after revoke")
	}

	if out, err = runCLI(t, "agent", "reactivate", "1"); err != nil || !strings.Contains(out, "Reactivated") {
		t.Errorf("reactivate failed: %v %q", err, out)
	}
}

func TestAgentCommandErrors(t *testing.T) {
	setupCLIEnv(t)

	if _, err := runCLI(t, "agent", "generate-key"); err == nil {
		t.Error("Expected missing --name to fail")
	}
	if _, err := runCLI(t, "agent", "generate-key", "--name", "x", "--lab", "42"); err == nil {
		t.Error("Expected unknown lab to fail")
	}
	if _, err := runCLI(t, "agent", "generate-key", "--name", "x", "--created-by", "nobody@example.com"); err == nil {
		t.Error("Expected unknown creator to fail")
	}
	if _, err := runCLI(t, "agent", "revoke", "99"); err == nil {
		t.Error("Expected unknown id to fail")
	}
	if _, err := runCLI(t, "agent", "revoke", "abc"); err == nil {
		t.Error("Expected invalid id to fail")
	}
}

func TestListEmpty(t *testing.T) {
	setupCLIEnv(t)

	out, err := runCLI(t, "agent", "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No agent keys issued") {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestUserCommands(t *testing.T) {
	setupCLIEnv(t)

	out, err := runCLI(t, "user", "create", "--email", "Tech@Example.com", "--name", "Lab Tech", "--password", "lab-tech-pass")
	if err != nil {
		t.Fatalf("user create failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `Created "tech@example.com" (user,`) {
		t.Errorf("Unexpected create output %q", out)
	}

	if _, err := runCLI(t, "user", "create", "--email", "tech@example.com", "--password", "another-pass"); err == nil {
		t.Error("Expected duplicate email to fail")
	}

	out, err = runCLI(t, "user", "list", "--json")
	if err != nil {
		t.Fatalf("user list failed: %v", err)
	}
	var rows []userRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("Expected JSON list, got %q", out)
	}
	if len(rows) != 1 || rows[0].Email != "tech@example.com" || rows[0].Role != "user" {
		t.Errorf("Unexpected rows %+v", rows)
	}

	out, err = runCLI(t, "user", "set-password", "tech@example.com", "--password", "rotated-pass")
	if err != nil || !strings.Contains(out, "Password updated") {
		t.Errorf("set-password failed: %v %q", err, out)
	}
}

func TestUserCommandErrors(t *testing.T) {
	setupCLIEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing email", []string{"user", "create", "--password", "long-enough"}},
		{"invalid email", []string{"user", "create", "--email", "nobody", "--password", "long-enough"}},
		{"invalid role", []string{"user", "create", "--email", "a@example.com", "--role", "root", "--password", "long-enough"}},
		{"short password", []string{"user", "create", "--email", "a@example.com", "--password", "short"}},
		{"unknown user", []string{"user", "set-password", "ghost@example.com", "--password", "long-enough"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.args...); err == nil {
				t.Errorf("Expected %v to fail", tt.args)
			}
		})
	}
}

func TestConfigCommands(t *testing.T) {
	setupCLIEnv(t)
	path := filepath.Join(t.TempDir(), "inventario.yaml")

	out, err := runCLI(t, "config", "init", "--path", path)
	if err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if _, err := runCLI(t, "config", "init", "--path", path); err == nil {
		t.Error("Expected init to refuse to overwrite")
	}
	if _, err := runCLI(t, "config", "init", "--path", path, "--force"); err != nil {
		t.Errorf("Expected --force to overwrite, got %v", err)
	}

	out, err = runCLI(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "# Config file: "+path) {
		t.Errorf("Expected config file path in output, got %q", out)
	}
	if !strings.Contains(out, "inventario.db") || strings.Contains(out, "s3cret") {
		t.Errorf("Unexpected show output:\n%s", out)
	}
}
