package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes the CLI against a memory storage persisted in dir.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	config := filepath.Join(dir, "guillotina.yaml")
	if _, err := os.Stat(config); os.IsNotExist(err) {
		yaml := "storage:\n  type: memory\n  path: " + filepath.Join(dir, "db.bolt") + "\n"
		if err := os.WriteFile(config, []byte(yaml), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"guillotina-db", "--config", config, "--log-level", "error"}, args...))
	return out.String(), err
}

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, dir, "init")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "root created: true") {
		t.Errorf("first init output %q", out)
	}
	out, err = run(t, dir, "init")
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if !strings.Contains(out, "root created: false") {
		t.Errorf("second init output %q", out)
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "init"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dir, "stats", "--type", "Container")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	for _, want := range []string{"storage:     memory", "objects:     1", "type Container: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output lacks %q:\n%s", want, out)
		}
	}

	out, err = run(t, dir, "stats", "--prometheus", "--type", "Container")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"guillotina_objects 1", `guillotina_resources{type="Container"} 1`} {
		if !strings.Contains(out, want) {
			t.Errorf("prometheus output lacks %q:\n%s", want, out)
		}
	}
}

func TestCheckAndVacuum(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "check"); err == nil {
		t.Error("check succeeded without a root")
	}
	if _, err := run(t, dir, "init"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dir, "check")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !strings.Contains(out, "checked 1 objects") {
		t.Errorf("check output %q", out)
	}
	out, err = run(t, dir, "vacuum")
	if err != nil {
		t.Fatalf("vacuum failed: %v", err)
	}
	if !strings.Contains(out, "1 objects before, 1 after") {
		t.Errorf("vacuum output %q", out)
	}
}

func TestUnknownStorage(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, dir, "--storage", "oracle", "stats"); err == nil {
		t.Error("stats with an unknown storage type succeeded")
	}
}
