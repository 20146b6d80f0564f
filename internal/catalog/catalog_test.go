package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestBuiltin(t *testing.T) {
	c := New(testLogger())

	want := []string{"Package", "PartDefinition", "PartUsage", "PortDefinition", "PortUsage", "ConnectionDefinition", "ConnectionUsage"}
	got := c.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if c.Types()[0].Attributes["@type"] != "Package" {
		t.Errorf("Package attributes = %v", c.Types()[0].Attributes)
	}
}

func TestRender(t *testing.T) {
	c := New(testLogger())

	all := c.Render(nil)
	for _, name := range c.Names() {
		if !strings.Contains(all, "type: "+name) {
			t.Errorf("rendered catalogue missing %s", name)
		}
	}

	filtered := c.Render([]string{"Package", "Unknown"})
	if !strings.Contains(filtered, "type: Package") || strings.Contains(filtered, "type: PartUsage") {
		t.Errorf("filtered render = %q", filtered)
	}

	if got := c.Render([]string{"Unknown"}); got != all {
		t.Error("render with no supported overlap should fall back to every type")
	}
}

func TestLoad_MergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.yaml")
	data := `
- type: Package
  definition: Custom package text.
- type: RequirementDefinition
  definition: A requirement.
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger())
	if err := c.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	types := c.Types()
	if types[0].Definition != "Custom package text." {
		t.Errorf("Package definition = %q", types[0].Definition)
	}
	if last := types[len(types)-1]; last.Type != "RequirementDefinition" {
		t.Errorf("last type = %q, want RequirementDefinition", last.Type)
	}
	if len(types) != 8 {
		t.Errorf("got %d types, want 8", len(types))
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	c := New(testLogger())

	if err := c.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("- definition: no type\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Load(bad); err == nil {
		t.Error("expected error for an entry without type")
	}
	if len(c.Names()) != 7 {
		t.Errorf("failed load changed the catalogue: %v", c.Names())
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.yaml")
	if err := os.WriteFile(path, []byte("- type: Package\n  definition: first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(testLogger())
	if err := c.Load(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, path, func() { reloads.Add(1) }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("- type: Package\n  definition: second\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 3*time.Second, 50*time.Millisecond, func() bool {
		return c.Types()[0].Definition == "second"
	}, "catalogue was not reloaded after write")

	eventually(t, time.Second, 20*time.Millisecond, func() bool {
		return reloads.Load() > 0
	}, "onReload was not called")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch did not stop after cancel")
	}
}
