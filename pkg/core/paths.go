package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// mobilePlatform reports whether the process runs inside a mobile sandbox,
// where temp files must stay on the same mount as the store to keep
// rename-based writes atomic.
func mobilePlatform() bool {
	return runtime.GOOS == "android" || runtime.GOOS == "ios"
}

// ResolveKBRoot decides the on-disk root for the columnar store.
//
// The default root is the kb/ subdirectory next to the relational database.
// An absolute operator override in the rag.lance.path setting is honored,
// except on mobile platforms where it must also lie inside the application
// sandbox (the relational store's parent). A rejected override is logged and
// the setting is rewritten to the fallback so the store stops fighting the
// operator on every open.
func ResolveKBRoot(ctx context.Context, relDBPath string, settings *Settings, log zerolog.Logger) (string, error) {
	sandbox := filepath.Dir(relDBPath)
	fallback := filepath.Join(sandbox, "kb")

	root := fallback
	if override, ok, err := settings.Get(ctx, settingKBPath); err == nil && ok && override != "" {
		switch {
		case !filepath.IsAbs(override):
			log.Warn().Str("path", override).Msg("rejecting relative kb path override")
			_ = settings.Set(ctx, settingKBPath, fallback)
		case mobilePlatform() && !withinDir(sandbox, override):
			log.Warn().Str("path", override).Str("sandbox", sandbox).
				Msg("rejecting kb path override outside application sandbox")
			_ = settings.Set(ctx, settingKBPath, fallback)
		default:
			root = override
		}
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", unavailableErr("resolve_kb_root", fmt.Errorf("create kb root %s: %w", root, err))
	}
	return root, nil
}

// EnsureMobileTmpDir pins the process temp directory under the kb root on
// mobile platforms. Must run before any worker that may create temp files.
func EnsureMobileTmpDir(root string) error {
	if !mobilePlatform() {
		return nil
	}
	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return unavailableErr("ensure_tmpdir", fmt.Errorf("create tmp dir %s: %w", tmp, err))
	}
	for _, key := range []string{"TMPDIR", "TMP", "TEMP"} {
		if err := os.Setenv(key, tmp); err != nil {
			return unavailableErr("ensure_tmpdir", fmt.Errorf("set %s: %w", key, err))
		}
	}
	return nil
}

// withinDir reports whether path is dir or a descendant of dir.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
