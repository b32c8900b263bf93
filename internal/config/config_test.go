package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	body := "listen_addr: \":9000\"\n" +
		"game:\n  time_control: \"3+2\"\n  reconnect_grace: 30s\n" +
		"matchmaking:\n  band_max: 600\n" +
		"auth:\n  jwt_secret: from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("RATING_PERIOD", "12h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.Game.TimeControl != "3+2" || cfg.Game.ReconnectGrace != 30*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.Game)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("env should override file, got %q", cfg.Auth.JWTSecret)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.Rating.Period != 12*time.Hour {
		t.Fatalf("env values not applied: %v %v", cfg.CORSOrigins, cfg.Rating.Period)
	}
	if cfg.Matchmaking.BandMax != 600 || cfg.Matchmaking.BandInitial != 50 || !cfg.Game.AutoResignOnAbandon {
		t.Fatalf("defaults lost: %+v %+v", cfg.Matchmaking, cfg.Game)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ACCOUNT_SERVICE_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.JWTSecret = "x"
	cfg.Game.RepetitionPolicy = "never"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("bad policy accepted")
	}
}

func TestValidateBoundsAssistLines(t *testing.T) {
	for _, n := range []int{0, 6} {
		cfg := Defaults()
		cfg.Auth.JWTSecret = "x"
		cfg.Engine.AssistLines = n
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "ENGINE_ASSIST_LINES") {
			t.Fatalf("assist_lines=%d: got %v", n, err)
		}
	}
}

func TestUnknownFileKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	if err := os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Defaults().mergeFile(path); err == nil {
		t.Fatalf("unknown key accepted")
	}
}
