package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/urfave/cli/v3"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/acquire"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/batch"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/cache"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/catalog"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/config"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/constant"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/log"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/metrics"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/ratelimit"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/scratch"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/session"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/store"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/types"
	"github.com/YuKun-Li-Swift/TuneWave-sub000/unit"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "tunewave",
		Version: constant.Version,
		Metadata: map[string]any{
			"compiled_at": constant.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "TuneWave track acquisition and offline cache",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "track",
				Usage: "Single track commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:      "get",
						Usage:     "Load a track from the cache or the catalog",
						ArgsUsage: "<track-id>",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "pin", Usage: "Keep the track for offline playback"},
							&cli.Uint64Flag{Name: "retries", Usage: "Retries on transient network failures", Value: 3},
							&cli.StringFlag{Name: "out", Usage: "Write the audio bytes to this file"},
						},
						Action: trackGet,
					},
				},
			},
			{
				Name:  "playlist",
				Usage: "Playlist commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:      "download",
						Usage:     "Pin every track of a playlist, one track at a time",
						ArgsUsage: "<playlist-id>",
						Action:    playlistDownload,
					},
				},
			},
			{
				Name:  "cache",
				Usage: "Local cache commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:  "list",
						Usage: "List cached tracks, newest first",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "online", Usage: "Only tracks cached during playback"},
							&cli.BoolFlag{Name: "pinned", Usage: "Only tracks kept for offline playback"},
						},
						Action: cacheList,
					},
					{
						Name:      "rm",
						Usage:     "Remove a cached track",
						ArgsUsage: "<track-id>",
						Action:    cacheRemove,
					},
					{
						Name:      "pin",
						Usage:     "Keep a cached track for offline playback",
						ArgsUsage: "<track-id>",
						Action:    cachePin(true),
					},
					{
						Name:      "unpin",
						Usage:     "Let a cached track be evicted",
						ArgsUsage: "<track-id>",
						Action:    cachePin(false),
					},
					{
						Name:  "clear",
						Usage: "Remove all online or all pinned tracks",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "online", Usage: "Remove tracks cached during playback"},
							&cli.BoolFlag{Name: "pinned", Usage: "Remove tracks kept for offline playback"},
							&cli.BoolFlag{Name: "yes", Usage: "Do not ask for confirmation"},
						},
						Action: cacheClear,
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

func prepare(cmd *cli.Command) (zerolog.Logger, *config.Config, error) {
	logger := log.NewDefault()

	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return logger, nil, fmt.Errorf("load .env file: %v", err)
		}
		logger.Debug().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.Root().String("config"))
	if nil != err {
		return logger, nil, fmt.Errorf("load config: %v", err)
	}

	logger = log.FromConfig(conf.Log)
	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	return logger, conf, nil
}

func openStore(ctx context.Context, logger zerolog.Logger, conf config.Storage) (*store.Store, error) {
	st, err := store.Open(ctx, logger, conf.DBPath, conf.OpenTimeout.Duration)
	if nil != err {
		return nil, fmt.Errorf("open track store: %w", err)
	}
	logger.Debug().Str("path", conf.DBPath).Msg("Track store opened")

	return st, nil
}

func closeStore(logger zerolog.Logger, st *store.Store) {
	if err := st.Close(); nil != err {
		logger.Error().Err(err).Msg("Failed to close track store")
	}
}

// newLoader wires the acquisition stack. The scratch directory is swept
// before the pipeline exists, so no acquisition can race the sweep.
func newLoader(logger zerolog.Logger, conf *config.Config, st *store.Store) (*acquire.Loader, *catalog.Client, error) {
	sc, err := scratch.Open(logger, conf.Storage.ScratchDir, scratch.AlwaysUnlocked{})
	if nil != err {
		return nil, nil, fmt.Errorf("open scratch directory: %w", err)
	}

	httpClient, err := catalog.NewHTTPClient(conf.Catalog)
	if nil != err {
		return nil, nil, fmt.Errorf("create catalog http client: %v", err)
	}

	client := catalog.NewClient(conf.Catalog, httpClient, ratelimit.New(conf.Catalog.RateLimit), cache.New())
	logger.Debug().Dict("catalog", conf.Catalog.ToDict()).Msg("Catalog client created")

	return acquire.NewLoader(st, acquire.NewPipeline(client, sc)), client, nil
}

func loadUser(logger zerolog.Logger, conf config.Session) (*session.User, error) {
	user, err := session.Load(session.File(conf.File), conf.Cookie)
	if nil != err {
		if errors.Is(err, session.ErrLoginRequired) {
			logger.Error().Str("session_file", conf.File).Msg("Catalog session is missing. Pair the device or set TUNEWAVE_COOKIE.")
			return nil, exitCodeError(2)
		}

		return nil, fmt.Errorf("load session: %v", err)
	}
	logger.Debug().Dict("user", user.ToDict()).Msg("Session loaded")

	return user, nil
}

// acquisitionExit maps failures the user can act on to distinct exit codes.
func acquisitionExit(logger zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		logger.Error().Msg("Catalog session was rejected. Pair the device again.")
		return exitCodeError(2)
	case errors.Is(err, scratch.ErrProtectionConfig):
		logger.Error().Err(err).Msg("Scratch files cannot be made readable while the device is locked.")
		return exitCodeError(3)
	case errors.Is(err, catalog.ErrNotFound):
		logger.Error().Msg("Track or playlist was not found in the catalog.")
		return exitCodeError(4)
	default:
		return err
	}
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return "", fmt.Errorf("missing %s argument", name)
	}

	return arg, nil
}

func trackGet(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := prepare(cmd)
	if nil != err {
		return err
	}

	trackID, err := requireArg(cmd, "track id")
	if nil != err {
		return err
	}

	user, err := loadUser(logger, conf.Session)
	if nil != err {
		return err
	}

	st, err := openStore(ctx, logger, conf.Storage)
	if nil != err {
		return err
	}
	defer closeStore(logger, st)

	loader, client, err := newLoader(logger, conf, st)
	if nil != err {
		return err
	}

	mode := acquire.ModeAmbient
	if cmd.Bool("pin") {
		mode = acquire.ModePinned
	}

	var rec *types.TrackRecord
	err = retry.Do(
		ctx,
		retry.WithMaxRetries(cmd.Uint64("retries"), retry.NewFibonacci(1*time.Second)),
		func(ctx context.Context) error {
			info, err := client.TrackDetail(ctx, logger, user, trackID)
			if nil != err {
				return retryable(err)
			}

			req := acquire.Request{
				User:     user,
				TrackID:  info.ID,
				Name:     info.Name,
				Artist:   info.Artist(),
				CoverURL: info.CoverURL,
			}
			rec, err = loader.Load(ctx, logger, req, mode, func(s acquire.Snapshot) {
				logger.Debug().Dict("state", s.ToDict()).Msg("Acquisition progress")
			})
			if nil != err {
				return retryable(err)
			}

			return nil
		},
	)
	if nil != err {
		return acquisitionExit(logger, err)
	}

	logger.Info().Dict("track", rec.ToDict()).Msg("Track ready")

	if out := cmd.String("out"); out != "" {
		if err := os.WriteFile(out, rec.Audio, 0o644); nil != err {
			return fmt.Errorf("write audio file: %v", err)
		}
		logger.Info().Str("path", out).Msg("Audio written")
	}

	return nil
}

// retryable marks transient catalog failures for another attempt.
func retryable(err error) error {
	var netErr *catalog.NetworkError
	if errors.As(err, &netErr) || errors.Is(err, catalog.ErrTooManyRequests) {
		return retry.RetryableError(err)
	}

	return err
}

func playlistDownload(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := prepare(cmd)
	if nil != err {
		return err
	}

	playlistID, err := requireArg(cmd, "playlist id")
	if nil != err {
		return err
	}

	user, err := loadUser(logger, conf.Session)
	if nil != err {
		return err
	}

	// The run outlives the signal context so a SIGINT lets the in-flight
	// item finish instead of aborting it.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	if addr := conf.Metrics.Addr; addr != "" {
		go func() {
			if err := metrics.Serve(runCtx, logger, addr); nil != err {
				logger.Error().Err(err).Msg("Failed to serve metrics")
			}
		}()
	}

	st, err := openStore(ctx, logger, conf.Storage)
	if nil != err {
		return err
	}
	defer closeStore(logger, st)

	loader, client, err := newLoader(logger, conf, st)
	if nil != err {
		return err
	}

	name, tracks, err := client.PlaylistTracks(ctx, logger, user, playlistID)
	if nil != err {
		return acquisitionExit(logger, fmt.Errorf("fetch playlist: %w", err))
	}
	logger.Info().Str("playlist", name).Int("tracks", len(tracks)).Msg("Playlist fetched")

	processed := 0
	coordinator := batch.NewCoordinator(loader, func(s batch.Snapshot) {
		if n := s.Completed + s.Failed; n != processed {
			processed = n
			logger.Info().Dict("batch", s.ToDict()).Msg("Batch progress")
		}
	})

	run := coordinator.Start(runCtx, logger, tracks, user)

	go func() {
		<-ctx.Done()
		if run.State() == batch.StateRunning || run.State() == batch.StateIdle {
			logger.Warn().Msg("Cancelling batch after the current track")
			coordinator.Cancel()
		}
	}()

	if err := run.Wait(runCtx); nil != err {
		return fmt.Errorf("wait for batch: %v", err)
	}

	printBatch(run.Items())

	logger.Info().
		Str("state", run.State().String()).
		Int("completed", run.Completed()).
		Int("failed", len(run.Failed())).
		Msg("Batch finished")

	if run.State() == batch.StateCancelled {
		return exitCodeError(1)
	}

	return nil
}

func printBatch(items []batch.Item) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Track", "Name", "Artist", "Status", "Message"})
	for i, item := range items {
		t.AppendRow(table.Row{
			i + 1,
			item.Track.ID,
			item.Track.Name,
			item.Track.Artist(),
			statusColor(item.Status).Sprint(item.Status.String()),
			item.Message(),
		})
	}
	t.Render()
}

func statusColor(s batch.Status) text.Colors {
	switch s {
	case batch.StatusDone:
		return text.Colors{text.FgGreen}
	case batch.StatusFailed:
		return text.Colors{text.FgRed}
	case batch.StatusDownloading:
		return text.Colors{text.FgYellow}
	case batch.StatusWaiting:
		return text.Colors{text.FgHiBlack}
	default:
		return text.Colors{}
	}
}

func selectPredicate(cmd *cli.Command, required bool) (store.Predicate, error) {
	online, pinned := cmd.Bool("online"), cmd.Bool("pinned")
	switch {
	case online && pinned:
		return nil, errors.New("--online and --pinned are mutually exclusive")
	case online:
		return store.Online, nil
	case pinned:
		return store.Pinned, nil
	case required:
		return nil, errors.New("one of --online or --pinned is required")
	default:
		return store.All, nil
	}
}

func cacheList(ctx context.Context, cmd *cli.Command) error {
	logger, conf, err := prepare(cmd)
	if nil != err {
		return err
	}

	pred, err := selectPredicate(cmd, false)
	if nil != err {
		return err
	}

	st, err := openStore(ctx, logger, conf.Storage)
	if nil != err {
		return err
	}
	defer closeStore(logger, st)

	summaries, err := st.ListWhere(pred, store.OrderNewest)
	if nil != err {
		return fmt.Errorf("list tracks: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Track", "Name", "Artist", "Format", "Size", "Kind", "Cached at"})
	for _, s := range summaries {
		kind := text.FgGreen.Sprint("pinned")
		if s.IsOnline {
			kind = text.FgCyan.Sprint("online")
		}
		t.AppendRow(table.Row{
			s.ID,
			s.Name,
			s.Artist,
			s.Ext,
			unit.Format(int64(s.AudioSize)),
			kind,
			s.CachedAt.Local().Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(summaries)})
	t.Render()

	return nil
}

func cacheRemove(ctx context.Context, cmd *cli.Command) error {
	logger, conf, err := prepare(cmd)
	if nil != err {
		return err
	}

	trackID, err := requireArg(cmd, "track id")
	if nil != err {
		return err
	}

	st, err := openStore(ctx, logger, conf.Storage)
	if nil != err {
		return err
	}
	defer closeStore(logger, st)

	if err := st.Delete(trackID); nil != err {
		return fmt.Errorf("remove track: %v", err)
	}
	logger.Info().Str("track_id", trackID).Msg("Track removed")

	return nil
}

func cachePin(pin bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger, conf, err := prepare(cmd)
		if nil != err {
			return err
		}

		trackID, err := requireArg(cmd, "track id")
		if nil != err {
			return err
		}

		st, err := openStore(ctx, logger, conf.Storage)
		if nil != err {
			return err
		}
		defer closeStore(logger, st)

		if err := st.SetOnline(trackID, !pin); nil != err {
			if errors.Is(err, store.ErrNotFound) {
				logger.Error().Str("track_id", trackID).Msg("Track is not cached")
				return exitCodeError(4)
			}

			return fmt.Errorf("update track: %v", err)
		}
		logger.Info().Str("track_id", trackID).Bool("pinned", pin).Msg("Track updated")

		return nil
	}
}

func cacheClear(ctx context.Context, cmd *cli.Command) error {
	logger, conf, err := prepare(cmd)
	if nil != err {
		return err
	}

	pred, err := selectPredicate(cmd, true)
	if nil != err {
		return err
	}

	if !cmd.Bool("yes") {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			logger.Error().Msg("Refusing to clear the cache without a terminal. Pass --yes to confirm.")
			return exitCodeError(1)
		}

		kind := "online"
		if cmd.Bool("pinned") {
			kind = "pinned"
		}

		var confirmed bool
		prompt := &survey.Confirm{ //nolint:exhaustruct
			Message: "Remove every " + kind + " track from the cache?",
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); nil != err {
			return fmt.Errorf("ask for confirmation: %v", err)
		}

		if !confirmed {
			logger.Info().Msg("Cache left untouched")
			return nil
		}
	}

	st, err := openStore(ctx, logger, conf.Storage)
	if nil != err {
		return err
	}
	defer closeStore(logger, st)

	n, err := st.DeleteWhere(pred)
	if nil != err {
		return fmt.Errorf("clear cache: %v", err)
	}
	logger.Info().Int("removed", n).Msg("Cache cleared")

	return nil
}
