package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrProtectionConfig = errors.New("failed to configure file protection")
	ErrDeviceLocked     = fmt.Errorf("%w: device is locked", ErrProtectionConfig)
)

// readableWhenLocked is the permission set of an asset that other readers
// must be able to open while the device is locked.
const readableWhenLocked os.FileMode = 0o644

type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return "failed to " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// LockState reports whether the device is currently unlocked. Protection
// attributes can only be changed while it is.
type LockState interface {
	Unlocked() bool
}

// AlwaysUnlocked is the LockState of hosts without a lock screen.
type AlwaysUnlocked struct{}

func (AlwaysUnlocked) Unlocked() bool {
	return true
}

// Store manages per-attempt scratch files inside a single directory. The
// directory is swept when the store is opened, so every asset handed out by
// a Store was reserved after the sweep.
type Store struct {
	dir  string
	lock LockState
}

func Open(logger zerolog.Logger, dir string, lock LockState) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); nil != err {
		return nil, &IOError{Op: "create scratch directory", Path: dir, Err: err}
	}

	s := &Store{dir: dir, lock: lock}
	n := s.SweepAll(logger)
	logger.Debug().Str("dir", dir).Int("removed", n).Msg("Scratch directory swept")

	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Reserve returns a fresh, globally unique asset path. Nothing is written.
// Assets carry no extension: the container is only known once the audio
// URL is resolved, after the asset has been prepared.
func (s *Store) Reserve() Asset {
	return Asset{Path: filepath.Join(s.dir, uuid.NewString())}
}

// EnsureReadableWhenLocked creates an empty placeholder for a if none exists
// and marks it readable while the device is locked.
func (s *Store) EnsureReadableWhenLocked(a Asset) (err error) {
	if !s.lock.Unlocked() {
		return ErrDeviceLocked
	}

	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_WRONLY, 0o600)
	if nil != err {
		return &IOError{Op: "create placeholder", Path: a.Path, Err: err}
	}
	if closeErr := f.Close(); nil != closeErr {
		return &IOError{Op: "close placeholder", Path: a.Path, Err: closeErr}
	}

	if err := os.Chmod(a.Path, readableWhenLocked); nil != err {
		return fmt.Errorf("%w: %v", ErrProtectionConfig, err)
	}

	return nil
}

// SweepAll removes every entry of the scratch directory and returns how many
// were removed. Individual failures are logged and skipped.
func (s *Store) SweepAll(logger zerolog.Logger) int {
	entries, err := os.ReadDir(s.dir)
	if nil != err {
		logger.Error().Err(err).Str("dir", s.dir).Msg("Failed to list scratch directory")
		return 0
	}

	var removed int
	for _, e := range entries {
		path := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(path); nil != err {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch entry")
			continue
		}
		removed++
	}

	return removed
}
