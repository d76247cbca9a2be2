package drafts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// spoolDirPerm is the permission mode for the drafts directory when
	// ensuring it exists before starting the watcher.
	spoolDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often the watcher checks for pending
	// filesystem events to batch rapid saves into a single queue update
	// per file.
	debounceInterval = 500 * time.Millisecond

	// quietWindow is how long a file must sit unchanged before its last
	// event is processed.
	quietWindow = 300 * time.Millisecond
)

// Watch monitors the drafts directory and mirrors it into the outbound
// queue. It blocks until the context is cancelled. Directories are
// watched recursively.
func (s *Spool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	s.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(s.dir, spoolDirPerm); err != nil {
		return fmt.Errorf("creating drafts dir: %w", err)
	}

	if err := s.addRecursive(s.dir); err != nil {
		return fmt.Errorf("watching drafts dir: %w", err)
	}

	s.logger.Info("draft watcher started", "dir", s.dir)

	// Drafts written while the spool was not running still need to be
	// queued. Replays are deduped by source key.
	s.scanExisting()

	// Debounce: batch rapid saves into a single queue update per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// New directories join the watch. Lstat so symlinks
				// pointing outside the spool are not followed.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = s.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// For rename, fsnotify fires Remove on the old path.
				// The new path fires Create separately.
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
				s.handleRemove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			s.logger.Warn("draft watcher error", "error", err)

		case <-ticker.C:
			s.drainRetries()

			now := time.Now()
			for path, ts := range pending {
				if now.Sub(ts) < quietWindow {
					continue
				}

				delete(pending, path)
				s.handleWrite(path)
			}
		}
	}
}

func (s *Spool) handleWrite(absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("stat draft failed", "path", absPath, "error", err)
		}

		return
	}

	if info.IsDir() || !isDraftFile(absPath) {
		return
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		s.logger.Warn("reading draft failed", "path", absPath, "error", err)

		return
	}

	draft, err := ParseDraft(content)
	if err != nil {
		// A rejected draft stays on disk untouched; the next save gets
		// another parse.
		s.logger.Warn("draft rejected", "path", absPath, "error", err)

		return
	}

	seq, err := s.store.Enqueue(draft.Mutation(s.source(absPath)))
	if err != nil {
		s.logger.Warn("queueing draft failed", "path", absPath, "error", err)
		s.retry[absPath] = pendingEvent{absPath: absPath}

		return
	}

	delete(s.retry, absPath)

	s.logger.Debug("draft queued",
		"path", absPath,
		"case_id", draft.CaseID,
		"kind", draft.Kind,
		"seq", seq)
}

func (s *Spool) handleRemove(absPath string) {
	if !isDraftFile(absPath) {
		return
	}

	delete(s.retry, absPath)

	if err := s.store.DeleteQueuedBySource(s.source(absPath)); err != nil {
		s.logger.Warn("dequeueing draft failed", "path", absPath, "error", err)
		s.retry[absPath] = pendingEvent{absPath: absPath, isDelete: true}

		return
	}

	s.logger.Debug("draft dequeued", "path", absPath)
}

// drainRetries replays events whose store writes failed earlier.
func (s *Spool) drainRetries() {
	if len(s.retry) == 0 {
		return
	}

	// Snapshot first; the handlers re-queue on repeated failure.
	items := make([]pendingEvent, 0, len(s.retry))
	for _, ev := range s.retry {
		items = append(items, ev)
	}

	for _, ev := range items {
		delete(s.retry, ev.absPath)

		if ev.isDelete {
			s.handleRemove(ev.absPath)
		} else {
			s.handleWrite(ev.absPath)
		}
	}
}

// scanExisting queues drafts already on disk when the watcher starts.
func (s *Spool) scanExisting() {
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
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

		s.handleWrite(path)

		return nil
	})
	if err != nil {
		s.logger.Warn("initial draft scan failed", "error", err)
	}
}

func (s *Spool) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && shouldIgnore(path) {
			return filepath.SkipDir
		}

		// Skip symlinked directories to prevent watching outside the
		// spool.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return s.watcher.Add(path)
	})
}
