package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
	Agent  struct {
		ID string `yaml:"id"`
	} `yaml:"agent"`
	Scheduler struct {
		TickSeconds int `yaml:"tick_seconds"`
	} `yaml:"scheduler"`
	Settlement struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"settlement"`
	Post struct {
		Enabled         bool    `yaml:"enabled"`
		Topic           string  `yaml:"topic"`
		MaxPosts        int     `yaml:"max_posts"`
		IntervalMinutes float64 `yaml:"interval_minutes"`
		CronExpr        string  `yaml:"cron_expr"`
		ContentURL      string  `yaml:"content_url"`
		PublishURL      string  `yaml:"publish_url"`
	} `yaml:"post"`
	Recon struct {
		Enabled         bool     `yaml:"enabled"`
		Watchlist       []string `yaml:"watchlist"`
		IntervalMinutes float64  `yaml:"interval_minutes"`
		CronExpr        string   `yaml:"cron_expr"`
	} `yaml:"recon"`
}

func Default() Config {
	cfg := Config{}
	cfg.Addr = ":8080"
	cfg.DBPath = "spartan.db"
	cfg.Agent.ID = "spartan"
	cfg.Scheduler.TickSeconds = 10
	cfg.Settlement.BaseURL = "http://localhost:9090"
	cfg.Settlement.TimeoutSeconds = 30
	cfg.Post.Enabled = false
	cfg.Post.Topic = "market recap"
	cfg.Post.IntervalMinutes = 120
	cfg.Recon.Enabled = false
	cfg.Recon.IntervalMinutes = 30
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Write(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
