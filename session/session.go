package session

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/redact"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLoginRequired = errors.New("login required")
)

// User is the paired catalog account every catalog request is made on
// behalf of.
type User struct {
	ID       string `json:"user_id"`
	Nickname string `json:"nickname"`
	Cookie   string `json:"cookie"`
}

func (u User) Authenticated() bool {
	return u.Cookie != ""
}

func (u User) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("id", u.ID).
		Str("nickname", u.Nickname).
		Str("cookie", lo.Ternary(u.Cookie == "", "", redact.String(u.Cookie)))
}

// File is the path of a JSON session file written by the pairing flow.
type File string

func (f File) Read() (u *User, err error) {
	file, err := os.OpenFile(string(f), os.O_RDONLY, 0o600)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrLoginRequired
		}

		return nil, fmt.Errorf("open session file: %v", err)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close session file: %v", closeErr))
		}
	}()

	if err := json.NewDecoder(file).DecodeWithOption(&u, json.DecodeFieldPriorityFirstWin()); nil != err {
		return nil, fmt.Errorf("decode session file contents: %v", err)
	}

	if nil == u {
		return nil, ErrLoginRequired
	}

	return u, nil
}

// Load reads the session file, letting a non-empty cookie override the stored
// one. A session without a cookie is reported as ErrLoginRequired.
func Load(f File, cookie string) (*User, error) {
	u, err := f.Read()
	if nil != err {
		if !errors.Is(err, ErrLoginRequired) || cookie == "" {
			return nil, err
		}
		u = &User{ID: "", Nickname: "", Cookie: ""}
	}

	if cookie != "" {
		u.Cookie = cookie
	}

	if !u.Authenticated() {
		return nil, ErrLoginRequired
	}

	return u, nil
}
