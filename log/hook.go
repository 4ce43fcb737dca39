package log

import (
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

const maxStackDepth = 32

// stackHook attaches the caller stack to error and higher level events.
type stackHook struct{}

func (h *stackHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < zerolog.ErrorLevel {
		return
	}

	arr := zerolog.Arr()
	for _, f := range callers() {
		arr.Dict(zerolog.Dict().
			Int("line", f.Line).
			Str("file", f.File).
			Str("function", f.Function),
		)
	}
	e.Array("stack", arr)
}

func callers() []runtime.Frame {
	var pcs [maxStackDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]runtime.Frame, 0, n)
	for {
		frame, more := frames.Next()
		if !isLoggerFrame(frame.Function) {
			out = append(out, frame)
		}
		if !more {
			break
		}
	}

	return out
}

func isLoggerFrame(fn string) bool {
	return strings.HasPrefix(fn, "github.com/rs/zerolog") ||
		strings.HasPrefix(fn, "runtime.")
}
