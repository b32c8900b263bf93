// Package config builds the server configuration from defaults, an optional
// YAML file named by ARENA_CONFIG_FILE and environment overrides, in that
// order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/park285/chess-arena/internal/obslog"
)

const FileEnv = "ARENA_CONFIG_FILE"

type AppConfig struct {
	ListenAddr  string   `yaml:"listen_addr" env:"LISTEN_ADDR"`
	RedisURL    string   `yaml:"redis_url" env:"REDIS_URL"`
	DatabaseURL string   `yaml:"database_url" env:"DATABASE_URL"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MessagesDir string   `yaml:"messages_dir" env:"MESSAGES_DIR"`

	Auth        AuthConfig        `yaml:"auth"`
	Game        GameConfig        `yaml:"game"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Rating      RatingConfig      `yaml:"rating"`
	Engine      EngineConfig      `yaml:"engine"`
	Store       StoreConfig       `yaml:"store"`
	Log         obslog.Options    `yaml:"log"`
}

type AuthConfig struct {
	JWTSecret           string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer           string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	AccountServiceURL   string `yaml:"account_service_url" env:"ACCOUNT_SERVICE_URL"`
	AccountServiceToken string `yaml:"account_service_token" env:"ACCOUNT_SERVICE_TOKEN"`
}

type GameConfig struct {
	TimeControl         string        `yaml:"time_control" env:"DEFAULT_TIME_CONTROL"`
	ReconnectGrace      time.Duration `yaml:"reconnect_grace" env:"RECONNECT_GRACE"`
	AutoResignOnAbandon bool          `yaml:"auto_resign_on_abandon" env:"AUTO_RESIGN_ON_ABANDON"`
	RepetitionPolicy    string        `yaml:"repetition_policy" env:"REPETITION_POLICY"`
	HistoryTail         int           `yaml:"history_tail" env:"HISTORY_TAIL"`
	MaxSessions         int           `yaml:"max_sessions" env:"MAX_CONCURRENT_GAMES"`
}

type MatchmakingConfig struct {
	BandInitial  float64       `yaml:"band_initial" env:"MATCH_BAND_INITIAL"`
	BandStep     float64       `yaml:"band_step" env:"MATCH_BAND_STEP"`
	BandInterval time.Duration `yaml:"band_interval" env:"MATCH_BAND_INTERVAL"`
	BandMax      float64       `yaml:"band_max" env:"MATCH_BAND_MAX"`
	TickInterval time.Duration `yaml:"tick_interval" env:"MATCH_TICK_INTERVAL"`
}

type RatingConfig struct {
	Period        time.Duration `yaml:"period" env:"RATING_PERIOD"`
	Tau           float64       `yaml:"tau" env:"GLICKO_TAU"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RATING_RETRY_INTERVAL"`
}

type EngineConfig struct {
	Path        string        `yaml:"path" env:"STOCKFISH_PATH"`
	Capacity    int           `yaml:"capacity" env:"ENGINE_CAPACITY"`
	MoveTime    time.Duration `yaml:"move_time" env:"ENGINE_MOVE_TIME"`
	Timeout     time.Duration `yaml:"timeout" env:"ENGINE_TIMEOUT"`
	SkillLevel  int           `yaml:"skill_level" env:"ENGINE_SKILL_LEVEL"`
	Elo         int           `yaml:"elo" env:"ENGINE_ELO"`
	// AssistLines is how many ranked lines an assist reply carries.
	AssistLines int           `yaml:"assist_lines" env:"ENGINE_ASSIST_LINES"`
	SystemID    string        `yaml:"system_id" env:"SYSTEM_BOT_ID"`
}

type StoreConfig struct {
	MaxTries      uint          `yaml:"max_tries" env:"STORE_MAX_TRIES"`
	MaxElapsed    time.Duration `yaml:"max_elapsed" env:"STORE_MAX_ELAPSED"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"STORE_FLUSH_INTERVAL"`
	ParkAfter     int           `yaml:"park_after" env:"STORE_PARK_AFTER"`
}

func Defaults() *AppConfig {
	return &AppConfig{
		ListenAddr: ":8080",
		Game: GameConfig{
			TimeControl:         "10+0",
			ReconnectGrace:      60 * time.Second,
			AutoResignOnAbandon: true,
			RepetitionPolicy:    "auto",
			HistoryTail:         10,
			MaxSessions:         2000,
		},
		Matchmaking: MatchmakingConfig{
			BandInitial:  50,
			BandStep:     50,
			BandInterval: 10 * time.Second,
			BandMax:      4000,
			TickInterval: time.Second,
		},
		Rating: RatingConfig{
			Period:        24 * time.Hour,
			Tau:           0.5,
			RetryInterval: 10 * time.Second,
		},
		Engine: EngineConfig{
			MoveTime:    500 * time.Millisecond,
			Timeout:     2 * time.Second,
			SkillLevel:  20,
			AssistLines: 3,
			SystemID:    "system",
		},
		Store: StoreConfig{
			MaxTries:      5,
			MaxElapsed:    10 * time.Second,
			FlushInterval: 5 * time.Second,
			ParkAfter:     5,
		},
		Log: obslog.DefaultOptions(),
	}
}

func Load() (*AppConfig, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && strings.TrimSpace(c.Auth.AccountServiceURL) == "" {
		return errors.New("JWT_SECRET or ACCOUNT_SERVICE_URL is required")
	}
	switch c.Game.RepetitionPolicy {
	case "auto", "claim":
	default:
		return fmt.Errorf("REPETITION_POLICY must be auto or claim, got %q", c.Game.RepetitionPolicy)
	}
	if c.Game.ReconnectGrace <= 0 {
		return errors.New("RECONNECT_GRACE must be positive")
	}
	if c.Matchmaking.BandInitial <= 0 || c.Matchmaking.BandStep < 0 || c.Matchmaking.BandMax < c.Matchmaking.BandInitial {
		return errors.New("matchmaking band must satisfy 0 < initial <= max and step >= 0")
	}
	if c.Matchmaking.BandInterval <= 0 {
		return errors.New("MATCH_BAND_INTERVAL must be positive")
	}
	if c.Rating.Period <= 0 {
		return errors.New("RATING_PERIOD must be positive")
	}
	if c.Rating.Tau <= 0 {
		return errors.New("GLICKO_TAU must be positive")
	}
	if c.Engine.AssistLines < 1 || c.Engine.AssistLines > 5 {
		return fmt.Errorf("ENGINE_ASSIST_LINES must be between 1 and 5, got %d", c.Engine.AssistLines)
	}
	return nil
}
