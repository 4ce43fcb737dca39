package scratch

import (
	"errors"
	"os"
)

type Asset struct {
	Path string
}

func (a Asset) Exists() (bool, error) {
	if _, err := os.Stat(a.Path); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, &IOError{Op: "stat asset", Path: a.Path, Err: err}
	}

	return true, nil
}

// OpenWriter truncates the asset for streaming writes. The permissions of an
// existing placeholder are kept.
func (a Asset) OpenWriter() (*os.File, error) {
	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if nil != err {
		return nil, &IOError{Op: "open asset for write", Path: a.Path, Err: err}
	}

	return f, nil
}

func (a Asset) Write(b []byte) (err error) {
	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o600)
	if nil != err {
		return &IOError{Op: "open asset for write", Path: a.Path, Err: err}
	}
	defer func() {
		if closeErr := f.Close(); nil != closeErr && nil == err {
			err = &IOError{Op: "close asset", Path: a.Path, Err: closeErr}
		}
		if nil != err {
			if removeErr := os.Remove(a.Path); nil != removeErr && !errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(err, &IOError{Op: "remove incomplete asset", Path: a.Path, Err: removeErr})
			}
		}
	}()

	if _, err := f.Write(b); nil != err {
		return &IOError{Op: "write asset", Path: a.Path, Err: err}
	}

	if err := f.Sync(); nil != err {
		return &IOError{Op: "sync asset", Path: a.Path, Err: err}
	}

	return nil
}

// WriteAsync writes b in the background. The returned channel receives
// exactly one value and is then closed.
func (a Asset) WriteAsync(b []byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- a.Write(b)
	}()

	return done
}

func (a Asset) Read() ([]byte, error) {
	b, err := os.ReadFile(a.Path)
	if nil != err {
		return nil, &IOError{Op: "read asset", Path: a.Path, Err: err}
	}

	return b, nil
}

func (a Asset) Remove() error {
	if err := os.Remove(a.Path); nil != err && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove asset", Path: a.Path, Err: err}
	}

	return nil
}
