package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
)

// LocalSource reads a stack from a directory on disk. Its revision is a hash
// of the snapshot files' names and contents.
type LocalSource struct {
	name       string
	root       string
	configPath string
	loader     *config.SnapshotLoader
	logger     zerolog.Logger

	// debounce delays change notifications so an editor's burst of writes
	// produces one sync.
	debounce time.Duration
}

// NewLocalSource creates a source for a stack whose source has a "path" setting.
func NewLocalSource(stack *engine.Stack, loader *config.SnapshotLoader, logger zerolog.Logger) (*LocalSource, error) {
	root := stack.Source["path"]
	if root == "" {
		return nil, engine.NewConfigurationError("local stack source requires a path", nil).WithResource(stack.Name)
	}
	return &LocalSource{
		name:       stack.Name,
		root:       root,
		configPath: stack.ConfigPath,
		loader:     loader,
		logger:     logger.With().Str("component", "local-source").Str("stack", stack.Name).Logger(),
		debounce:   500 * time.Millisecond,
	}, nil
}

// Revision hashes the current snapshot files.
func (s *LocalSource) Revision(_ context.Context) (string, error) {
	docs, err := collectDocuments(os.DirFS(s.root), s.configPath)
	if err != nil {
		return "", err
	}
	return contentRevision(docs), nil
}

// Load decodes the snapshot files currently on disk. A revision that no longer
// matches the files is logged; the current files win.
func (s *LocalSource) Load(_ context.Context, revision string) (*engine.Snapshot, error) {
	docs, err := collectDocuments(os.DirFS(s.root), s.configPath)
	if err != nil {
		return nil, err
	}
	if current := contentRevision(docs); revision != "" && current != revision {
		s.logger.Debug().Str("requested", revision).Str("current", current).Msg("Files changed since revision check")
	}
	return s.loader.LoadDocuments(docs, s.configPath)
}

// Watch notifies on writes, creations, removals and renames of snapshot files
// below the config path until ctx is done.
func (s *LocalSource) Watch(ctx context.Context, notify func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Join(s.root, filepath.FromSlash(s.configPath))
	if err := s.watchDirectory(watcher, dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.logger.Info().Str("path", dir).Msg("Watching stack directory")

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := s.watchDirectory(watcher, event.Name); err != nil {
						s.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}

			if !isSnapshotFile(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Stack file changed")

			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			notify()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// watchDirectory adds dir and its non-hidden subdirectories to the watcher.
func (s *LocalSource) watchDirectory(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}
