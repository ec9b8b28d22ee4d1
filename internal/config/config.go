package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PostgresURL    string        `mapstructure:"postgres_url"`
	JWTKey         string        `mapstructure:"jwt_key"`
	BeatmapAPIURL  string        `mapstructure:"beatmap_api_url"`
	ScoringAPIURL  string        `mapstructure:"scoring_api_url"`

	// Multiplayer tuning.
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	PlayCeiling    time.Duration `mapstructure:"play_ceiling"`
	EmptyRoomGrace time.Duration `mapstructure:"empty_room_grace"`
	ContinueSolo   bool          `mapstructure:"continue_solo"`

	// Background jobs.
	RetryFlushEvery time.Duration `mapstructure:"retry_flush_every"`
	ResultRetention time.Duration `mapstructure:"result_retention"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 5000)
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("load_timeout", "30s")
	v.SetDefault("play_ceiling", "30m")
	v.SetDefault("empty_room_grace", "30s")
	v.SetDefault("continue_solo", true)
	v.SetDefault("retry_flush_every", "30s")
	v.SetDefault("result_retention", "2160h") // 90 days

	v.SetEnvPrefix("G0V0")
	v.AutomaticEnv()

	// The config file is optional; env vars and defaults can carry a dev setup.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PostgresURL == "" {
		cfg.PostgresURL = os.Getenv("POSTGRES_URL")
	}
	if cfg.JWTKey == "" {
		cfg.JWTKey = os.Getenv("JWT_KEY")
	}
	return &cfg, nil
}
