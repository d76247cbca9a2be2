package drafts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/casetrack/field-sync/internal/store"
)

// spoolStore is the slice of the offline store the spool writes to.
type spoolStore interface {
	Enqueue(m store.PendingMutation) (uint64, error)
	DeleteQueuedBySource(source string) error
}

// Spool is the drafts directory plus its queue half in the offline
// store. Watch keeps the two in step; Prune enforces retention.
type Spool struct {
	dir    string
	store  spoolStore
	logger *slog.Logger

	watcher *fsnotify.Watcher

	// retry holds events whose store write failed, keyed by absolute
	// path so later events for the same file overwrite earlier ones.
	retry map[string]pendingEvent
}

type pendingEvent struct {
	absPath  string
	isDelete bool
}

// NewSpool creates a spool over the given drafts directory.
func NewSpool(dir string, st spoolStore, logger *slog.Logger) *Spool {
	return &Spool{
		dir:    dir,
		store:  st,
		logger: logger,
		retry:  make(map[string]pendingEvent),
	}
}

// Prune removes draft files modified before olderThan, together with
// their queue entries. Returns how many files were removed. A missing
// drafts directory is an empty spool, not an error.
func (s *Spool) Prune(olderThan time.Time) (int, error) {
	removed := 0

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			if path != s.dir && shouldIgnore(path) {
				return filepath.SkipDir
			}

			return nil
		}

		if shouldIgnore(path) || !isDraftFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if !info.ModTime().Before(olderThan) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("removing expired draft failed", "path", path, "error", err)

			return nil
		}

		if err := s.store.DeleteQueuedBySource(s.source(path)); err != nil {
			s.logger.Warn("dequeueing expired draft failed", "path", path, "error", err)
		}

		removed++

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("pruning drafts: %w", err)
	}

	return removed, nil
}

// WriteDraft validates and writes a draft into the spool directory,
// returning the file path and the parsed form a watcher will queue.
// The content lands under a temporary ignored name and is renamed into
// place, so watchers only ever see complete drafts.
func WriteDraft(dir string, d Draft) (string, *Draft, error) {
	content, err := ComposeDraft(d)
	if err != nil {
		return "", nil, err
	}

	parsed, err := ParseDraft(content)
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(dir, spoolDirPerm); err != nil {
		return "", nil, fmt.Errorf("creating drafts dir: %w", err)
	}

	name := draftFilename(d.CaseID)

	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", nil, fmt.Errorf("writing draft: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)

		return "", nil, fmt.Errorf("placing draft: %w", err)
	}

	return final, parsed, nil
}

// draftFilename builds a unique spool name from the case ID, keeping
// only filesystem-safe characters. Leading dots are stripped so the
// result is never an ignored hidden file.
func draftFilename(caseID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, caseID)

	safe = strings.TrimLeft(safe, ".")
	if safe == "" {
		safe = "draft"
	}

	return safe + "-" + uuid.NewString()[:8] + ".md"
}

// source converts an absolute draft path to its queue source key,
// relative to the spool directory with forward slashes.
func (s *Spool) source(absPath string) string {
	rel, err := filepath.Rel(s.dir, absPath)
	if err != nil {
		return absPath
	}

	return filepath.ToSlash(rel)
}

// shouldIgnore filters hidden files and editor leftovers.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	return false
}

// isDraftFile reports whether the path names a markdown draft.
func isDraftFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}
