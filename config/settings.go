package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server   ServerSettings   `json:"server"`
	EPG      EPGSettings      `json:"epg"`
	Database DatabaseSettings `json:"database"`
	Cache    CacheSettings    `json:"cache"`
	Log      LogConfig        `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EPGSettings controls guide ingestion, retention and hydration behavior.
type EPGSettings struct {
	FeedURL              string `json:"feedUrl"`
	XtreamHost           string `json:"xtreamHost"`
	XtreamUsername       string `json:"xtreamUsername"`
	XtreamPassword       string `json:"xtreamPassword"`
	RetentionPastHours   int    `json:"retentionPastHours"`
	RetentionFutureHours int    `json:"retentionFutureHours"`
	ChunkSize            int    `json:"chunkSize"`
	MinHydrateChannels   int    `json:"minHydrateChannels"`
	CacheValidityMinutes int    `json:"cacheValidityMinutes"`
	FetchTimeoutSeconds  int    `json:"fetchTimeoutSeconds"`
	FetchRetries         int    `json:"fetchRetries"`
	MaxFeedSizeMB        int    `json:"maxFeedSizeMb"`
}

// DatabaseSettings defines where the guide database lives.
type DatabaseSettings struct {
	Path string `json:"path"`
}

type CacheSettings struct {
	Directory string `json:"directory"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{Host: "0.0.0.0", Port: 7878},
		EPG: EPGSettings{
			FeedURL:              "",
			RetentionPastHours:   2,
			RetentionFutureHours: 22,
			ChunkSize:            1500,
			MinHydrateChannels:   1000,
			CacheValidityMinutes: 30,
			FetchTimeoutSeconds:  120,
			FetchRetries:         3,
			MaxFeedSizeMB:        100,
		},
		Database: DatabaseSettings{Path: "cache/epg.db"},
		Cache:    CacheSettings{Directory: "cache"},
		Log: LogConfig{
			File:       "cache/logs/backend.log",
			Level:      "info",
			MaxSize:    50,   // 50 MB per file
			MaxBackups: 3,    // keep 3 old files
			MaxAge:     7,    // 7 days
			Compress:   true, // compress old files
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		// create with defaults
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var s Settings
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}

	// Backfill defaults for newly introduced settings when config predates them
	if s.Server.Port == 0 {
		s.Server.Port = 7878
	}
	if strings.TrimSpace(s.Server.Host) == "" {
		s.Server.Host = "0.0.0.0"
	}
	if s.EPG.RetentionPastHours == 0 {
		s.EPG.RetentionPastHours = 2
	}
	if s.EPG.RetentionFutureHours == 0 {
		s.EPG.RetentionFutureHours = 22
	}
	if s.EPG.ChunkSize == 0 {
		s.EPG.ChunkSize = 1500
	}
	if s.EPG.MinHydrateChannels == 0 {
		s.EPG.MinHydrateChannels = 1000
	}
	if s.EPG.CacheValidityMinutes == 0 {
		s.EPG.CacheValidityMinutes = 30
	}
	if s.EPG.FetchTimeoutSeconds == 0 {
		s.EPG.FetchTimeoutSeconds = 120
	}
	if s.EPG.FetchRetries == 0 {
		s.EPG.FetchRetries = 3
	}
	if s.EPG.MaxFeedSizeMB == 0 {
		s.EPG.MaxFeedSizeMB = 100
	}

	// Backfill Database settings
	if strings.TrimSpace(s.Database.Path) == "" {
		s.Database.Path = "cache/epg.db"
	}
	if strings.TrimSpace(s.Cache.Directory) == "" {
		s.Cache.Directory = "cache"
	}

	// Backfill Log settings
	if strings.TrimSpace(s.Log.File) == "" {
		s.Log.File = "cache/logs/backend.log"
	}
	if s.Log.MaxSize == 0 {
		s.Log.MaxSize = 50
	}
	if s.Log.MaxBackups == 0 {
		s.Log.MaxBackups = 3
	}
	if s.Log.MaxAge == 0 {
		s.Log.MaxAge = 7
	}

	return s, nil
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
