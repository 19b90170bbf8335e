package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// NpmInstall is the default dependency installer. It runs
// `npm install --no-audit --no-fund` in dir with the update notifier
// silenced, holding a file lock so two kernels sharing a workspace root do
// not race the same node_modules.
func NpmInstall(ctx context.Context, dir string, packages map[string]string) error {
	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire install lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire install lock: not acquired")
	}
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "npm", "install", "--no-audit", "--no-fund")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "npm_config_update_notifier=false")

	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return fmt.Errorf("npm install: %w: %s", err, tail(detail, 2000))
		}
		return fmt.Errorf("npm install: %w", err)
	}
	return nil
}

// tail returns at most the last max bytes of s.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
