package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the service. Values come from the
// environment; defaults are suitable for local development.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8090"`
	FrontendUrl string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"mailsift"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"mailsift"`
	DBName     string `env:"DB_NAME" envDefault:"mailsift"`

	OauthClientId     string `env:"OAUTH_CLIENT_ID" envDefault:"dummy"`
	OauthClientSecret string `env:"OAUTH_CLIENT_SECRET" envDefault:"dummy"`

	ClassifierBaseUrl string        `env:"CLASSIFIER_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ClassifierApiKey  string        `env:"CLASSIFIER_API_KEY"`
	ClassifierModel   string        `env:"CLASSIFIER_MODEL" envDefault:"gpt-3.5-turbo"`
	ClassifierTimeout time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"20s"`

	// Bounds for a single ingestion run. PageSize and MaxPages cap the
	// listing calls per mailbox, MaxMessagesPerRun caps how many listed
	// messages actually go through the pipeline. Messages beyond the cap
	// stay in the inbox and are picked up by the next run.
	PageSize           int64         `env:"PAGE_SIZE" envDefault:"10"`
	MaxPages           int           `env:"MAX_PAGES" envDefault:"10"`
	MaxMessagesPerRun  int           `env:"MAX_MESSAGES_PER_RUN" envDefault:"25"`
	AccountConcurrency int           `env:"ACCOUNT_CONCURRENCY" envDefault:"4"`
	RunTimeout         time.Duration `env:"RUN_TIMEOUT" envDefault:"5m"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse configuration: %w", err)
	}
	return cfg, nil
}

// DSN builds the postgres connection string for sqlx.Open.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}
