// Package maintenance prunes stale notebook workspaces. A workspace whose
// directory has not been touched within the max age is assumed abandoned
// and removed wholesale, including its node_modules.
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupOptions configures workspace cleanup behavior.
type CleanupOptions struct {
	// WorkspaceRoot is the directory holding per-notebook workspaces.
	WorkspaceRoot string

	// MaxAge is the maximum age of a workspace to keep (default: 30 days).
	MaxAge time.Duration

	// DryRun reports what would be deleted without deleting.
	DryRun bool
}

// CleanupResult contains the results of a cleanup operation.
type CleanupResult struct {
	// DeletedWorkspaces is the count of workspace directories removed.
	DeletedWorkspaces int

	// Errors collects non-fatal per-entry failures. Fatal errors (the
	// root being unreadable) are returned as the function error.
	Errors []string
}

// CleanupWorkspaces deletes notebook workspace directories whose ModTime
// is older than MaxAge. Age is taken from the directory itself: every
// successful preparation rewrites files inside it, refreshing the stamp.
// Missing roots are not an error — there is simply nothing to clean.
func CleanupWorkspaces(opts CleanupOptions) (CleanupResult, error) {
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}

	result := CleanupResult{}
	cutoff := time.Now().Add(-opts.MaxAge)

	entries, err := os.ReadDir(opts.WorkspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("read workspace root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(opts.WorkspaceRoot, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed concurrently
			}
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", path, err))
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}
		if opts.DryRun {
			result.DeletedWorkspaces++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", path, err))
			continue
		}
		result.DeletedWorkspaces++
	}

	return result, nil
}
