package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ricochet1k/beamlink/internal/token"
)

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestOriginsAddListRemove(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "origins", "add", "https://cad.example.com/", "--note", "shop")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "trusted https://cad.example.com") || !strings.Contains(out, "pairing secret: ") {
		t.Fatalf("add output = %q", out)
	}

	out, err = run(t, dir, "origins", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "https://cad.example.com") || !strings.Contains(out, "shop") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := run(t, dir, "origins", "rotate", "https://cad.example.com"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := run(t, dir, "origins", "remove", "https://cad.example.com"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := run(t, dir, "origins", "remove", "https://cad.example.com"); err == nil {
		t.Fatal("second remove should fail")
	}
}

func TestPortsSimulated(t *testing.T) {
	out, err := run(t, t.TempDir(), "--simulate", "ports")
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	if !strings.Contains(out, "/dev/ttySIM0") || !strings.Contains(out, "/dev/ttySIM1") {
		t.Fatalf("ports output = %q", out)
	}
}

func TestScanSimulated(t *testing.T) {
	t.Setenv("BEAMLINK_PROBE_TIMEOUT", "100ms")
	t.Setenv("BEAMLINK_PROBE_SETTLE", "1ms")
	t.Setenv("BEAMLINK_PROBE_STAGGER", "1ms")

	out, err := run(t, t.TempDir(), "--simulate", "scan", "/dev/ttySIM0")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out, "/dev/ttySIM0") || !strings.Contains(out, "115200") || !strings.Contains(out, "GRBL") {
		t.Fatalf("scan output = %q", out)
	}
}

func TestTokenIssue(t *testing.T) {
	dir := t.TempDir()

	if _, err := run(t, dir, "token", "issue", "--origin", "http://localhost:3000", "--com", "COM3"); err == nil {
		t.Fatal("issue without token.secret should fail")
	}

	t.Setenv("BEAMLINK_TOKEN_SECRET", "cli-test-secret")
	out, err := run(t, dir, "token", "issue", "--origin", "http://localhost:3000", "--com", "COM3", "--baud", "9600")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	issuer, err := token.NewIssuer("cli-test-secret", 0)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.VerifyFor(strings.TrimSpace(out), "http://localhost:3000")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Com != "COM3" || claims.Baud != 9600 {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestConfigFileIsRequiredWhenNamed(t *testing.T) {
	if _, err := run(t, t.TempDir(), "--config", "/nonexistent/beamlink.yaml", "ports"); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}
