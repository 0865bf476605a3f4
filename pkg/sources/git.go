package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/config"
	"github.com/g8r/g8r/pkg/engine"
)

// maxGitFileSize bounds a single snapshot file read from a repository.
const maxGitFileSize = 8 << 20

// GitSource tracks one branch of a git repository. Its revision is the
// branch's commit hash. The repository is kept as a bare clone in the work
// directory and fetched on every revision check.
type GitSource struct {
	name       string
	url        string
	branch     string
	configPath string
	dir        string
	auth       transport.AuthMethod
	loader     *config.SnapshotLoader
	logger     zerolog.Logger

	mu   sync.Mutex
	repo *git.Repository
}

// NewGitSource creates a source for a stack whose source has "url" and
// optionally "branch", "token" and "username" settings.
func NewGitSource(stack *engine.Stack, workDir string, loader *config.SnapshotLoader, logger zerolog.Logger) (*GitSource, error) {
	url := stack.Source["url"]
	if url == "" {
		return nil, engine.NewConfigurationError("git stack source requires a url", nil).WithResource(stack.Name)
	}

	branch := stack.Source["branch"]
	if branch == "" {
		branch = "main"
	}

	var auth transport.AuthMethod
	if token := stack.Source["token"]; token != "" {
		username := stack.Source["username"]
		if username == "" {
			username = "g8r"
		}
		auth = &githttp.BasicAuth{Username: username, Password: token}
	}

	return &GitSource{
		name:       stack.Name,
		url:        url,
		branch:     branch,
		configPath: stack.ConfigPath,
		dir:        filepath.Join(workDir, stack.Name),
		auth:       auth,
		loader:     loader,
		logger:     logger.With().Str("component", "git-source").Str("stack", stack.Name).Logger(),
	}, nil
}

// Revision fetches the branch and returns its head commit hash.
func (s *GitSource) Revision(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.sync(ctx)
	if err != nil {
		return "", err
	}
	return s.remoteHead(repo)
}

// Load reads the snapshot from the commit named by revision.
func (s *GitSource) Load(ctx context.Context, revision string) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo := s.repo
	if repo == nil {
		var err error
		if repo, err = s.sync(ctx); err != nil {
			return nil, err
		}
	}
	return s.snapshotAt(repo, revision)
}

// sync opens or clones the repository and fetches the tracked branch.
func (s *GitSource) sync(ctx context.Context) (*git.Repository, error) {
	if s.repo == nil {
		repo, err := git.PlainOpen(s.dir)
		switch {
		case errors.Is(err, git.ErrRepositoryNotExists):
			s.logger.Info().Str("url", s.url).Str("branch", s.branch).Msg("Cloning stack repository")
			repo, err = git.PlainCloneContext(ctx, s.dir, true, &git.CloneOptions{
				URL:           s.url,
				Auth:          s.auth,
				ReferenceName: plumbing.NewBranchReferenceName(s.branch),
				SingleBranch:  true,
			})
			if err != nil {
				return nil, s.classify("clone", err)
			}
			s.repo = repo
			return repo, nil
		case err != nil:
			return nil, fmt.Errorf("failed to open repository %s: %w", s.dir, err)
		}
		s.repo = repo
	}

	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       s.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, s.classify("fetch", err)
	}
	return s.repo, nil
}

// remoteHead returns the fetched head of the tracked branch.
func (s *GitSource) remoteHead(repo *git.Repository) (string, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, s.branch), true)
	if err != nil {
		return "", engine.NewConfigurationError(fmt.Sprintf("branch %s not found in %s", s.branch, s.url), err).
			WithResource(s.name)
	}
	return ref.Hash().String(), nil
}

// snapshotAt decodes the snapshot files of the commit's tree.
func (s *GitSource) snapshotAt(repo *git.Repository, revision string) (*engine.Snapshot, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("revision %s not found", revision), err).WithResource(s.name)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", revision, err)
	}

	docs := make(map[string][]byte)
	err = tree.Files().ForEach(func(f *object.File) error {
		if !isSnapshotFile(f.Name) {
			return nil
		}
		if f.Size > maxGitFileSize {
			return engine.NewConfigurationError(fmt.Sprintf("%s exceeds %d bytes", f.Name, maxGitFileSize), nil)
		}
		r, err := f.Reader()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		docs[f.Name] = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loader.LoadDocuments(docs, s.configPath)
}

// classify maps transport failures onto the engine taxonomy.
func (s *GitSource) classify(op string, err error) error {
	msg := fmt.Sprintf("git %s of %s failed", op, s.url)
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return engine.NewConfigurationError(msg, err).WithResource(s.name)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return engine.NewPermanentError(msg, err).WithResource(s.name)
	default:
		return engine.NewTransientError(msg, err).WithResource(s.name)
	}
}
