package gitsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/pynchy/pynchy/pkg/protocol"
)

// ContinuationFile is where the pre-restart state is persisted.
const ContinuationFile = "deploy_continuation.json"

// WriteContinuation persists the deploy state consumed on the next boot.
func WriteContinuation(dataDir string, dc protocol.DeployContinuation) error {
	data, err := json.MarshalIndent(dc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dataDir, ContinuationFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadContinuation consumes the continuation file if present. Parsing is
// tolerant (JSON5) because operators hand-edit the file during recovery.
// The file is removed once read; a second call reports none.
func ReadContinuation(dataDir string) (*protocol.DeployContinuation, error) {
	path := filepath.Join(dataDir, ContinuationFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dc protocol.DeployContinuation
	if err := json5.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ContinuationFile, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return &dc, nil
}

// PeekContinuation reads the continuation without consuming it, used by
// the rollback path which must keep the file for the retried boot.
func PeekContinuation(dataDir string) (*protocol.DeployContinuation, error) {
	path := filepath.Join(dataDir, ContinuationFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dc protocol.DeployContinuation
	if err := json5.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ContinuationFile, err)
	}
	return &dc, nil
}

// Rollback resets the repo to the pre-deploy SHA. Called when a boot
// with a pending continuation fails; the supervisor restarts us on the
// old code.
func (c *Coordinator) Rollback(ctx context.Context, prevSHA string) error {
	if prevSHA == "" {
		return fmt.Errorf("rollback without a previous sha")
	}
	if _, err := c.git(ctx, c.RepoRoot, "reset", "--hard", prevSHA); err != nil {
		return fmt.Errorf("rollback to %s: %w", shortSHA(prevSHA), err)
	}
	c.log.Warn("rolled back", "repo", c.Slug, "sha", shortSHA(prevSHA))
	return nil
}
