package exporter

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

type pendingOutput struct {
	path string
	data []byte
}

// commitState tracks one output through Commit so that a failure can put
// its target back the way it was.
type commitState struct {
	path   string
	staged string // temp file holding the new content, "" once renamed
	backup string // previous content of path, "" if there was none
	placed bool
}

// OutputSet writes a group of files all-or-nothing: each file is staged next
// to its target and renamed into place only once every file was staged.
type OutputSet struct {
	fs      afero.Fs
	pending []pendingOutput
}

func NewOutputSet(fs afero.Fs) *OutputSet {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &OutputSet{fs: fs}
}

// Add queues data for path. An empty path is ignored.
func (s *OutputSet) Add(path string, data []byte) {
	if path == "" {
		return
	}
	s.pending = append(s.pending, pendingOutput{path: path, data: data})
}

func (s *OutputSet) Len() int { return len(s.pending) }

// Commit writes every queued file. Files that already exist are moved aside
// first; on failure they are restored and nothing staged by this call is
// left behind. Backups are deleted only after every file is in place.
func (s *OutputSet) Commit() error {
	states := make([]*commitState, 0, len(s.pending))
	for _, out := range s.pending {
		tmp, err := s.stage(out)
		if err != nil {
			return s.rollback(states, err)
		}
		states = append(states, &commitState{path: out.path, staged: tmp})
	}

	for i, st := range states {
		if err := s.moveAside(st); err != nil {
			return s.rollback(states, err)
		}
		if err := s.fs.Rename(st.staged, st.path); err != nil {
			return s.rollback(states, fmt.Errorf("failed to move output into place at %s: %w", st.path, err))
		}
		st.staged = ""
		st.placed = true
		slog.Info("Wrote output", "path", st.path, "bytes", len(s.pending[i].data))
	}

	for _, st := range states {
		if st.backup == "" {
			continue
		}
		if err := s.fs.Remove(st.backup); err != nil {
			slog.Warn("Failed to remove previous output", "path", st.backup, "error", err)
		}
	}
	s.pending = nil
	return nil
}

func (s *OutputSet) stage(out pendingOutput) (string, error) {
	f, err := afero.TempFile(s.fs, filepath.Dir(out.path), "."+filepath.Base(out.path)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create output for %s: %w", out.path, err)
	}
	_, werr := f.Write(out.data)
	cerr := f.Close()
	if err := multierror.Append(werr, cerr).ErrorOrNil(); err != nil {
		_ = s.fs.Remove(f.Name())
		return "", fmt.Errorf("failed to write output for %s: %w", out.path, err)
	}
	return f.Name(), nil
}

// moveAside renames an existing target to a fresh backup path next to it.
func (s *OutputSet) moveAside(st *commitState) error {
	exists, err := afero.Exists(s.fs, st.path)
	if err != nil {
		return fmt.Errorf("failed to check existing output %s: %w", st.path, err)
	}
	if !exists {
		return nil
	}

	f, err := afero.TempFile(s.fs, filepath.Dir(st.path), "."+filepath.Base(st.path)+".bak.*")
	if err != nil {
		return fmt.Errorf("failed to reserve backup for %s: %w", st.path, err)
	}
	backup := f.Name()
	_ = f.Close()
	if err := s.fs.Rename(st.path, backup); err != nil {
		_ = s.fs.Remove(backup)
		return fmt.Errorf("failed to move existing output %s aside: %w", st.path, err)
	}
	st.backup = backup
	return nil
}

func (s *OutputSet) rollback(states []*commitState, cause error) error {
	result := multierror.Append(nil, cause)
	cleanup := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, st := range states {
		if st.staged != "" {
			if err := s.fs.Remove(st.staged); err != nil {
				cleanup(fmt.Errorf("failed to clean up %s: %w", st.staged, err))
			}
		}
		switch {
		case st.backup != "":
			if st.placed {
				if err := s.fs.Remove(st.path); err != nil {
					cleanup(fmt.Errorf("failed to clean up %s: %w", st.path, err))
				}
			}
			if err := s.fs.Rename(st.backup, st.path); err != nil {
				cleanup(fmt.Errorf("failed to restore previous %s (kept at %s): %w", st.path, st.backup, err))
			}
		case st.placed:
			if err := s.fs.Remove(st.path); err != nil {
				cleanup(fmt.Errorf("failed to clean up %s: %w", st.path, err))
			}
		}
	}
	if len(result.Errors) == 1 {
		return cause
	}
	return result
}
