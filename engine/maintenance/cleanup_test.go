package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func makeWorkspace(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func TestCleanupRemovesStaleWorkspaces(t *testing.T) {
	root := t.TempDir()
	stale := makeWorkspace(t, root, "old-notebook", 40*24*time.Hour)
	fresh := makeWorkspace(t, root, "new-notebook", time.Hour)

	result, err := CleanupWorkspaces(CleanupOptions{
		WorkspaceRoot: root,
		MaxAge:        30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.DeletedWorkspaces != 1 {
		t.Errorf("deleted = %d, want 1", result.DeletedWorkspaces)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale workspace still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh workspace removed: %v", err)
	}
}

func TestCleanupDryRun(t *testing.T) {
	root := t.TempDir()
	stale := makeWorkspace(t, root, "old-notebook", 40*24*time.Hour)

	result, err := CleanupWorkspaces(CleanupOptions{
		WorkspaceRoot: root,
		MaxAge:        30 * 24 * time.Hour,
		DryRun:        true,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.DeletedWorkspaces != 1 {
		t.Errorf("reported = %d, want 1", result.DeletedWorkspaces)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Errorf("dry run deleted workspace: %v", err)
	}
}

func TestCleanupMissingRoot(t *testing.T) {
	result, err := CleanupWorkspaces(CleanupOptions{
		WorkspaceRoot: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	if err != nil {
		t.Fatalf("cleanup of missing root errored: %v", err)
	}
	if result.DeletedWorkspaces != 0 {
		t.Errorf("deleted = %d, want 0", result.DeletedWorkspaces)
	}
}

func TestCleanupSkipsFiles(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "stray.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-400 * 24 * time.Hour)
	if err := os.Chtimes(file, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	result, err := CleanupWorkspaces(CleanupOptions{WorkspaceRoot: root, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.DeletedWorkspaces != 0 {
		t.Errorf("deleted = %d, want 0", result.DeletedWorkspaces)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("stray file removed: %v", err)
	}
}
