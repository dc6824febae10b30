package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var writeSeq atomic.Uint64

// NextFilename returns a monotonic filename so consumers can order files
// lexicographically even when several land in the same millisecond.
func NextFilename() string {
	return fmt.Sprintf("%013d-%06d.json", time.Now().UnixMilli(), writeSeq.Add(1))
}

// WriteJSON writes v to path atomically: marshal, write <path>.tmp, rename.
// A reader never observes a partial payload.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteRaw(path, data)
}

// WriteRaw writes bytes to path via tmp + rename.
func WriteRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Touch creates an empty file at path (the close sentinel).
func Touch(path string) error {
	return WriteRaw(path, nil)
}

// ReadAndRemove reads a JSON file into v and unlinks it on success.
// The file stays in place when the read or parse fails.
func ReadAndRemove(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return os.Remove(path)
}

// Quarantine moves an unparseable file into the errors directory as
// <folder>-<original>, so processing continues and the payload survives
// for inspection.
func (l Layout) Quarantine(folder, path string) error {
	dest := l.ErrorsPath(folder, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return nil
}

// ListJSONSorted returns the .json files in dir sorted by name. Temp
// files and the close sentinel are excluded.
func ListJSONSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// CleanStale removes leftover input and output files from a previous
// session, keeping initial.json so a freshly-written boot payload
// survives the sweep.
func (l Layout) CleanStale(folder, keep string) error {
	for _, sub := range []string{DirInput, DirOutput} {
		dir := l.Dir(folder, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() || e.Name() == keep {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
