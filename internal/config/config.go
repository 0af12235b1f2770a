package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port     string `yaml:"port"`
		GRPCPort string `yaml:"grpcPort"`
		// ShutdownTimeout bounds how long draining connections and handlers may take.
		ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Redis struct {
		Addr     string   `yaml:"addr"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		// BankFile is a YAML question bank used when Postgres is not configured.
		BankFile string   `yaml:"bankFile"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"quiz"`
	Game struct {
		Results            Duration `yaml:"results"`
		Countdown          Duration `yaml:"countdown"`
		MinAnswerTime      Duration `yaml:"minAnswerTime"`
		AbandonGrace       Duration `yaml:"abandonGrace"`
		MinPlayers         int      `yaml:"minPlayers"`
		OptionsPerQuestion int      `yaml:"optionsPerQuestion"`
		Retention          Duration `yaml:"retention"`
		AnswerWindow       Duration `yaml:"answerWindow"`
		MaxPlayers         int      `yaml:"maxPlayers"`
	} `yaml:"game"`
	Ranking struct {
		Daily      bool     `yaml:"daily"`
		DailyTTL   Duration `yaml:"dailyTTL"`
		SessionTTL Duration `yaml:"sessionTTL"`
		MaxRetries uint64   `yaml:"maxRetries"`
	} `yaml:"ranking"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.GRPCPort = "9090"
	cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Redis.TTL = Duration(10 * time.Minute)
	cfg.Quiz.TTL = Duration(10 * time.Minute)
	cfg.Game.Results = Duration(5 * time.Second)
	cfg.Game.Countdown = Duration(5 * time.Second)
	cfg.Game.MinAnswerTime = Duration(time.Second)
	cfg.Game.AbandonGrace = Duration(30 * time.Second)
	cfg.Game.MinPlayers = 1
	cfg.Game.OptionsPerQuestion = 4
	cfg.Game.Retention = Duration(10 * time.Minute)
	cfg.Game.AnswerWindow = Duration(15 * time.Second)
	cfg.Game.MaxPlayers = 50
	cfg.Ranking.Daily = true
	cfg.Ranking.DailyTTL = Duration(48 * time.Hour)
	cfg.Ranking.SessionTTL = Duration(time.Hour)
	cfg.Ranking.MaxRetries = 5
	return cfg
}

// Load reads YAML config from path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Duration is a time.Duration written as a Go duration string ("15s", "10m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
