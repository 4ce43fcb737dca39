package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/config"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/constant"
)

func FromConfig(conf config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(conf.Level)
	if nil != err {
		panic("invalid logging level: " + conf.Level)
	}

	var out io.Writer
	switch strings.ToLower(conf.Format) {
	case "json":
		out = os.Stderr
	case "pretty":
		out = consoleWriter()
	default:
		panic("invalid logging format: " + conf.Format)
	}

	// The rotated file always receives JSON lines regardless of the console format.
	if conf.File.Path != "" {
		out = zerolog.MultiLevelWriter(out, fileWriter(conf.File))
	}

	return build(out, level)
}

func NewDefault() zerolog.Logger {
	return build(consoleWriter(), zerolog.InfoLevel)
}

func build(out io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.
		New(out).
		Hook(&stackHook{}).
		With().
		Timestamp().
		Str("version", constant.Version).
		Str("compile_time", constant.CompileTime).
		Logger().
		Level(level)
}

func consoleWriter() zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{ //nolint:exhaustruct
		Out:          os.Stderr,
		TimeFormat:   time.RFC3339,
		TimeLocation: time.UTC,
	}
}

func fileWriter(conf config.LogFile) *lumberjack.Logger {
	return &lumberjack.Logger{ //nolint:exhaustruct
		Filename:   conf.Path,
		MaxSize:    conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
		Compress:   conf.Compress,
	}
}
