package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/HK9750/sentinal-chat-frontend-sub001/internal/util"
)

type Config struct {
	Agent   Agent   `json:"agent"`
	Backend Backend `json:"backend"`
	Media   Media   `json:"media"`
	History History `json:"history"`
	Rules   Rules   `json:"rules"`
	Log     Log     `json:"log"`
}

// Agent configures the local HTTP control surface the browser UI talks to.
type Agent struct {
	ListenAddr string `json:"listen_addr"`
	Debug      bool   `json:"debug"`
}

// Backend points at the Sentinal server: REST base for call records and the
// signaling WebSocket. The bearer token is read from a separate file so the
// config itself stays shareable.
type Backend struct {
	APIBase     string `json:"api_base"`
	SignalURL   string `json:"signal_url"`
	TokenFile   string `json:"token_file"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Media struct {
	PreferredMic string `json:"preferred_mic"`
	PreferredCam string `json:"preferred_cam"`
	DisableVideo bool   `json:"disable_video"` // audio-only engine (e.g. no camera on this box)

	// STUN servers handed to new peer connections.
	StunServers []string `json:"stun_servers"`
}

type History struct {
	Enabled  bool   `json:"enabled"`
	DBPath   string `json:"db_path"`
	KeepDays int    `json:"keep_days"`
}

type Rules struct {
	Enabled        bool   `json:"enabled"`
	ScriptDir      string `json:"script_dir"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxMemoryMB    int    `json:"max_memory_mb"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Agent: Agent{
			ListenAddr: "127.0.0.1:7464",
			Debug:      false,
		},
		Backend: Backend{
			APIBase:   "http://localhost:8080",
			SignalURL: "ws://localhost:8080/ws/signaling",
			TokenFile: "data/token",
		},
		Media: Media{
			StunServers: []string{"stun:stun.l.google.com:19302"},
		},
		History: History{
			Enabled:  true,
			DBPath:   "data/calls.db",
			KeepDays: 90,
		},
		Rules: Rules{
			Enabled:        false,
			ScriptDir:      "rules",
			TimeoutSeconds: 2,
			MaxMemoryMB:    10,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Agent
	if strings.TrimSpace(c.Agent.ListenAddr) == "" {
		return errors.New("agent.listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Agent.ListenAddr); err != nil {
		return fmt.Errorf("agent.listen_addr: %w", err)
	}

	// Backend
	if err := validateHTTPURL(c.Backend.APIBase); err != nil {
		return fmt.Errorf("backend.api_base: %w", err)
	}
	if err := validateWSURL(c.Backend.SignalURL); err != nil {
		return fmt.Errorf("backend.signal_url: %w", err)
	}
	// backend.user_id may be empty in a freshly created config; the engine
	// refuses to start without it, but Save/Ensure must still succeed.

	// History
	if c.History.Enabled {
		if strings.TrimSpace(c.History.DBPath) == "" {
			return errors.New("history.db_path is required when history is enabled")
		}
		if c.History.KeepDays < 0 {
			return errors.New("history.keep_days must be >= 0")
		}
	}

	// Rules
	if c.Rules.Enabled {
		if strings.TrimSpace(c.Rules.ScriptDir) == "" {
			return errors.New("rules.script_dir is required when rules are enabled")
		}
		if c.Rules.TimeoutSeconds < 1 || c.Rules.TimeoutSeconds > 30 {
			return errors.New("rules.timeout_seconds must be 1..30")
		}
		if c.Rules.MaxMemoryMB < 1 || c.Rules.MaxMemoryMB > 1024 {
			return errors.New("rules.max_memory_mb must be 1..1024")
		}
	}

	// Log
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
