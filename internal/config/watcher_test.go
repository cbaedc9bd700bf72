package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
)

func TestWatcher_EmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := config.ConfigPath(dir)
	if err := os.WriteFile(path, []byte("class_name: agent\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(path, []byte("class_name: other\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("unexpected path: %q", ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
