// Package store implements write-temp-then-rename persistence for the JSON
// state files the supervisor's components own. Every Save is atomic from the
// point of view of a reader: a concurrent Load either observes the old
// content in full or the new content in full, never a partial write.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/polyagent/supervisor/internal/logging"
)

// Load reads and unmarshals path into a fresh T. Any I/O or parse error
// returns def unchanged and never escapes to the caller — §4.1 requires
// corrupt or missing state to fall back silently, with the failure only
// reported to the logger.
func Load[T any](log logging.Logger, path string, def T) T {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("state file unreadable, using default", map[string]interface{}{
				"path": path, "error": err.Error(),
			})
		}
		return def
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		log.Error("state file corrupt, using default", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return def
	}
	return out
}

// Save marshals v and writes it to path atomically: the payload lands in
// path+".tmp" first, fsynced, then renamed over path. The parent directory
// is created if missing. Any error is returned to the caller — callers in
// this codebase log and continue rather than propagate, per §4.1's
// "never raise" contract, but Save itself must tell them something went
// wrong so they can log it.
func Save(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveLogged is the common pattern in this codebase: Save, and on error log
// it (matching §7's "local recovery is the default for storage") rather
// than propagate.
func SaveLogged(log logging.Logger, path string, v interface{}) {
	if err := Save(path, v); err != nil {
		log.Error("failed to persist state", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
	}
}
