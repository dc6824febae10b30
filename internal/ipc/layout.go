// Package ipc is the file-based channel between the host and agent
// containers: a per-workspace directory tree of single-JSON-object files,
// written atomically (tmp + rename) and removed after a successful read.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectory names under ipc/<folder>/.
const (
	DirInput             = "input"
	DirOutput            = "output"
	DirTasks             = "tasks"
	DirResponses         = "responses"
	DirPendingApprovals  = "pending_approvals"
	DirApprovalDecisions = "approval_decisions"
	DirPendingQuestions  = "pending_questions"
	DirMergeResults      = "merge_results"
)

// ErrorsDir is the top-level quarantine for unparseable files.
const ErrorsDir = "errors"

var folderSubdirs = []string{
	DirInput, DirOutput, DirTasks, DirResponses,
	DirPendingApprovals, DirApprovalDecisions, DirPendingQuestions, DirMergeResults,
}

// Layout resolves paths under the IPC root (data/ipc).
type Layout struct {
	Root string
}

// FolderDir returns ipc/<folder>.
func (l Layout) FolderDir(folder string) string {
	return filepath.Join(l.Root, folder)
}

// Dir returns ipc/<folder>/<sub>.
func (l Layout) Dir(folder, sub string) string {
	return filepath.Join(l.Root, folder, sub)
}

// ErrorsPath returns the quarantine destination for a failed file.
func (l Layout) ErrorsPath(folder, originalName string) string {
	return filepath.Join(l.Root, ErrorsDir, fmt.Sprintf("%s-%s", folder, originalName))
}

// EnsureFolder creates the full subdirectory set for one workspace.
func (l Layout) EnsureFolder(folder string) error {
	for _, sub := range folderSubdirs {
		if err := os.MkdirAll(l.Dir(folder, sub), 0o755); err != nil {
			return fmt.Errorf("ensure ipc dir %s/%s: %w", folder, sub, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(l.Root, ErrorsDir), 0o755); err != nil {
		return fmt.Errorf("ensure ipc errors dir: %w", err)
	}
	return nil
}

// Folders lists workspace folders that have an IPC tree.
func (l Layout) Folders() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ErrorsDir {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
