package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/redact"
)

type Config struct {
	Log     Log     `yaml:"log"`
	Catalog Catalog `yaml:"catalog"`
	Storage Storage `yaml:"storage"`
	Session Session `yaml:"session"`
	Metrics Metrics `yaml:"metrics"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("catalog", c.Catalog.ToDict()).
		Dict("storage", c.Storage.ToDict()).
		Dict("session", c.Session.ToDict()).
		Dict("metrics", c.Metrics.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Catalog.setDefaults()
	c.Storage.setDefaults()
	c.Session.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Catalog.validate(); nil != err {
		return fmt.Errorf("catalog config validation failed: %v", err)
	}

	if err := c.Storage.validate(); nil != err {
		return fmt.Errorf("storage config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string  `yaml:"level"`
	Format string  `yaml:"format"`
	File   LogFile `yaml:"file"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format).
		Dict("file", c.File.ToDict())
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}

	c.File.setDefaults()
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: trace, debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	if err := c.File.validate(); nil != err {
		return fmt.Errorf("file config validation failed: %v", err)
	}

	return nil
}

// LogFile enables a rotated copy of the log output when Path is set.
type LogFile struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func (c *LogFile) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("path", c.Path).
		Int("max_size_mb", c.MaxSizeMB).
		Int("max_backups", c.MaxBackups).
		Int("max_age_days", c.MaxAgeDays).
		Bool("compress", c.Compress)
}

func (c *LogFile) setDefaults() {
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 20
	}

	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}

	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 14
	}
}

func (c *LogFile) validate() error {
	if c.MaxSizeMB < 0 {
		return errors.New("max_size_mb must be greater than 0")
	}

	if c.MaxBackups < 0 {
		return errors.New("max_backups must not be negative")
	}

	if c.MaxAgeDays < 0 {
		return errors.New("max_age_days must not be negative")
	}

	return nil
}

type Catalog struct {
	BaseURL   string          `yaml:"base_url"`
	Proxy     Proxy           `yaml:"proxy"`
	RateLimit RateLimit       `yaml:"rate_limit"`
	Timeouts  CatalogTimeouts `yaml:"timeouts"`
}

func (c *Catalog) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("base_url", c.BaseURL).
		Dict("proxy", c.Proxy.ToDict()).
		Dict("rate_limit", c.RateLimit.ToDict()).
		Dict("timeouts", c.Timeouts.ToDict())
}

func (c *Catalog) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:3000"
	}

	c.RateLimit.setDefaults()
	c.Timeouts.setDefaults()
}

func (c *Catalog) validate() error {
	u, err := url.Parse(c.BaseURL)
	if nil != err {
		return fmt.Errorf("base_url is not a valid URL: %v", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got: %s", u.Scheme)
	}

	if err := c.Proxy.validate(); nil != err {
		return fmt.Errorf("proxy config validation failed: %v", err)
	}

	if err := c.RateLimit.validate(); nil != err {
		return fmt.Errorf("rate_limit config validation failed: %v", err)
	}

	if err := c.Timeouts.validate(); nil != err {
		return fmt.Errorf("timeouts config validation failed: %v", err)
	}

	return nil
}

// Proxy is a SOCKS5 proxy used for every catalog request. It is disabled
// when Host is empty.
type Proxy struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c *Proxy) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("host", c.Host).
		Int("port", c.Port).
		Str("username", c.Username).
		Str("password", lo.Ternary(c.Password == "", "", redact.String(c.Password)))
}

func (c *Proxy) Enabled() bool {
	return c.Host != ""
}

func (c *Proxy) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func (c *Proxy) validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}

	return nil
}

type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func (c *RateLimit) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Float64("requests_per_second", c.RequestsPerSecond).
		Int("burst", c.Burst)
}

func (c *RateLimit) setDefaults() {
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}

	if c.Burst == 0 {
		c.Burst = 4
	}
}

func (c *RateLimit) validate() error {
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must be greater than 0")
	}

	if c.Burst < 0 {
		return errors.New("burst must be greater than 0")
	}

	return nil
}

type CatalogTimeouts struct {
	ResolveAudioURL Duration `yaml:"resolve_audio_url"`
	DownloadCover   Duration `yaml:"download_cover"`
	GetLyrics       Duration `yaml:"get_lyrics"`
	DownloadAudio   Duration `yaml:"download_audio"`
	GetTrackDetail  Duration `yaml:"get_track_detail"`
	GetPlaylistPage Duration `yaml:"get_playlist_page"`
}

func (c *CatalogTimeouts) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("resolve_audio_url", c.ResolveAudioURL.String()).
		Str("download_cover", c.DownloadCover.String()).
		Str("get_lyrics", c.GetLyrics.String()).
		Str("download_audio", c.DownloadAudio.String()).
		Str("get_track_detail", c.GetTrackDetail.String()).
		Str("get_playlist_page", c.GetPlaylistPage.String())
}

func (c *CatalogTimeouts) setDefaults() {
	if c.ResolveAudioURL.Duration == 0 {
		c.ResolveAudioURL.Duration = 5 * time.Second
	}

	if c.DownloadCover.Duration == 0 {
		c.DownloadCover.Duration = 10 * time.Second
	}

	if c.GetLyrics.Duration == 0 {
		c.GetLyrics.Duration = 5 * time.Second
	}

	if c.DownloadAudio.Duration == 0 {
		c.DownloadAudio.Duration = 3 * time.Minute
	}

	if c.GetTrackDetail.Duration == 0 {
		c.GetTrackDetail.Duration = 5 * time.Second
	}

	if c.GetPlaylistPage.Duration == 0 {
		c.GetPlaylistPage.Duration = 10 * time.Second
	}
}

func (c *CatalogTimeouts) validate() error {
	if c.ResolveAudioURL.Duration < 0 {
		return errors.New("resolve_audio_url must be greater than 0")
	}

	if c.DownloadCover.Duration < 0 {
		return errors.New("download_cover must be greater than 0")
	}

	if c.GetLyrics.Duration < 0 {
		return errors.New("get_lyrics must be greater than 0")
	}

	if c.DownloadAudio.Duration < 0 {
		return errors.New("download_audio must be greater than 0")
	}

	if c.GetTrackDetail.Duration < 0 {
		return errors.New("get_track_detail must be greater than 0")
	}

	if c.GetPlaylistPage.Duration < 0 {
		return errors.New("get_playlist_page must be greater than 0")
	}

	return nil
}

type Storage struct {
	DBPath      string   `yaml:"db_path"`
	ScratchDir  string   `yaml:"scratch_dir"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

func (c *Storage) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("db_path", c.DBPath).
		Str("scratch_dir", c.ScratchDir).
		Str("open_timeout", c.OpenTimeout.String())
}

func (c *Storage) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = "tunewave.db"
	}

	if c.ScratchDir == "" {
		c.ScratchDir = "./scratch"
	}

	if c.OpenTimeout.Duration == 0 {
		c.OpenTimeout.Duration = 30 * time.Second
	}
}

func (c *Storage) validate() error {
	if i, err := os.Stat(c.ScratchDir); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to stat scratch_dir: %v", err)
		}
	} else if !i.IsDir() {
		return errors.New("scratch_dir must be a directory")
	}

	if c.OpenTimeout.Duration < 0 {
		return errors.New("open_timeout must be greater than 0")
	}

	return nil
}

type Session struct {
	File   string `yaml:"file"`
	Cookie string `yaml:"-"`
}

func (c *Session) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("file", c.File).
		Str("cookie", lo.Ternary(c.Cookie == "", "", redact.String(c.Cookie)))
}

func (c *Session) setDefaults() {
	if c.File == "" {
		c.File = "session.json"
	}
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

func (c *Metrics) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("addr", c.Addr)
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); nil != err {
		return fmt.Errorf("failed to parse duration: %v", err)
	}

	parsed, err := time.ParseDuration(s)
	if nil != err {
		return fmt.Errorf("failed to parse duration: %v", err)
	}

	d.Duration = parsed

	return nil
}

func Parse(data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	conf.Session.Cookie = os.Getenv("TUNEWAVE_COOKIE")
	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}

func Load(filename string) (*Config, error) {
	filename = lo.Ternary(len(filename) > 0, filename, "config.yaml")

	data, err := os.ReadFile(filename)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	conf, err := Parse(data)
	if nil != err {
		return nil, fmt.Errorf("failed to load config file %s: %w", filename, err)
	}

	return conf, nil
}
