package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
)

// StackSource fetches revisions of a stack's configuration.
type StackSource interface {
	// Revision returns the identifier of the source's current revision.
	Revision(ctx context.Context) (string, error)

	// Load returns the snapshot declared at revision.
	Load(ctx context.Context, revision string) (*engine.Snapshot, error)
}

// Watcher is implemented by stack sources that can report changes without polling.
type Watcher interface {
	// Watch calls notify whenever the source may have changed, until ctx is done.
	Watch(ctx context.Context, notify func()) error
}

// Factory builds stack and queue sources from their stored definitions.
type Factory struct {
	// WorkDir holds git checkouts, one directory per stack.
	WorkDir string

	S3    config.S3Config
	Redis config.RedisConfig

	// Hub serves queues of type memory.
	Hub *MemoryHub

	Loader *config.SnapshotLoader
	Logger zerolog.Logger
}

// StackSource returns the source for a stack's source type.
func (f *Factory) StackSource(stack *engine.Stack) (StackSource, error) {
	loader := f.Loader
	if loader == nil {
		loader = config.NewSnapshotLoader()
	}

	var (
		src StackSource
		err error
	)
	switch stack.SourceType {
	case "git":
		src, err = NewGitSource(stack, f.WorkDir, loader, f.Logger)
	case "s3":
		src, err = NewS3Source(stack, f.S3, loader, f.Logger)
	case "local":
		src, err = NewLocalSource(stack, loader, f.Logger)
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unsupported stack source type %q", stack.SourceType), nil).
			WithResource(stack.Name)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// QueueSource returns the transport for a queue's type.
func (f *Factory) QueueSource(queue *engine.Queue) (engine.QueueSource, error) {
	switch queue.QueueType {
	case "redis":
		q, err := NewRedisQueue(queue, f.Redis, f.Logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "memory":
		if f.Hub == nil {
			return nil, engine.NewConfigurationError("memory queues require a hub", nil).WithResource(queue.Name)
		}
		return f.Hub.Queue(queue.Name), nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unsupported queue type %q", queue.QueueType), nil).
			WithResource(queue.Name)
	}
}

// collectDocuments reads the snapshot files below root.
func collectDocuments(fsys fs.FS, root string) (map[string][]byte, error) {
	root = strings.Trim(path.Clean("/"+root), "/")
	if root == "" {
		root = "."
	}

	docs := make(map[string][]byte)
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !isSnapshotFile(p) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		docs[p] = data
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigurationError(fmt.Sprintf("config path %s does not exist", root), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return docs, nil
}

// contentRevision hashes document names and contents into a stable revision id.
func contentRevision(docs map[string][]byte) string {
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(docs[name])
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func isSnapshotFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
