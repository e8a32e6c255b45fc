package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestSettings(t *testing.T) (*Settings, string) {
	t.Helper()
	dir := t.TempDir()
	relPath := filepath.Join(dir, "app.db")
	db, err := openSQLite(relPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(relationalDDL); err != nil {
		t.Fatal(err)
	}
	return NewSettings(db), relPath
}

func TestResolveKBRootDefault(t *testing.T) {
	settings, relPath := newTestSettings(t)

	root, err := ResolveKBRoot(context.Background(), relPath, settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("ResolveKBRoot() error = %v", err)
	}
	want := filepath.Join(filepath.Dir(relPath), "kb")
	if root != want {
		t.Errorf("root = %s, want %s", root, want)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("root directory not created: %v", err)
	}
}

func TestResolveKBRootAbsoluteOverride(t *testing.T) {
	settings, relPath := newTestSettings(t)
	ctx := context.Background()

	override := filepath.Join(t.TempDir(), "custom-kb")
	if err := settings.Set(ctx, settingKBPath, override); err != nil {
		t.Fatal(err)
	}

	root, err := ResolveKBRoot(ctx, relPath, settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("ResolveKBRoot() error = %v", err)
	}
	if root != override {
		t.Errorf("root = %s, want override %s", root, override)
	}
}

func TestResolveKBRootRelativeOverrideRejected(t *testing.T) {
	settings, relPath := newTestSettings(t)
	ctx := context.Background()

	if err := settings.Set(ctx, settingKBPath, "relative/kb"); err != nil {
		t.Fatal(err)
	}

	root, err := ResolveKBRoot(ctx, relPath, settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("ResolveKBRoot() error = %v", err)
	}
	fallback := filepath.Join(filepath.Dir(relPath), "kb")
	if root != fallback {
		t.Errorf("root = %s, want fallback %s", root, fallback)
	}

	// The bad override is rewritten so the next open does not re-fight it.
	stored, ok, err := settings.Get(ctx, settingKBPath)
	if err != nil || !ok {
		t.Fatalf("setting missing after rejection: %v", err)
	}
	if stored != fallback {
		t.Errorf("stored override = %s, want %s", stored, fallback)
	}
}

func TestWithinDir(t *testing.T) {
	tests := []struct {
		dir, path string
		want      bool
	}{
		{"/data/app", "/data/app/kb", true},
		{"/data/app", "/data/app", true},
		{"/data/app", "/data/other", false},
		{"/data/app", "/data/app/../escape", false},
	}
	for _, tt := range tests {
		if got := withinDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("withinDir(%s, %s) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}
