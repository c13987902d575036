package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type AppCfg struct{ Env, Port, CallbackBaseURL string }

type StoreCfg struct {
	// Driver selects the ledger backend: "postgres" or "memory".
	Driver string
	DSN    string
}

type RedisCfg struct {
	Addr    string
	Channel string
}

type DarajaCfg struct {
	Environment    string // sandbox | production
	Shortcode      string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
}

type VerifyCfg struct {
	// Grace is how long a pending attempt may wait for a callback
	// before the sweep starts querying the provider.
	Grace     time.Duration
	PollEvery time.Duration
	BatchSize int
	RetryCap  int
}

type SecurityCfg struct {
	AdminToken string // guards manual-resolution APIs
}

type Cfg struct {
	App    AppCfg
	Store  StoreCfg
	Redis  RedisCfg
	Daraja DarajaCfg
	Verify VerifyCfg
	Sec    SecurityCfg
}

func Load() Cfg {
	// 1) Load .env into process env (if file exists)
	_ = godotenv.Load()

	// 2) Read from env via viper
	viper.AutomaticEnv()
	viper.SetDefault("APP_ENV", "sandbox")
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("DARAJA_ENV", "sandbox")
	viper.SetDefault("RESOLVED_CHANNEL", "payments.resolved")
	viper.SetDefault("VERIFY_GRACE", "2m")
	viper.SetDefault("VERIFY_POLL_EVERY", "30s")
	viper.SetDefault("VERIFY_BATCH_SIZE", 50)
	viper.SetDefault("VERIFY_RETRY_CAP", 3)
	viper.SetDefault("ADMIN_TOKEN", "")

	cfg := Cfg{
		App: AppCfg{
			Env:             viper.GetString("APP_ENV"),
			Port:            viper.GetString("APP_PORT"),
			CallbackBaseURL: viper.GetString("CALLBACK_BASE_URL"),
		},
		Store: StoreCfg{
			Driver: strings.ToLower(viper.GetString("STORE_DRIVER")),
			DSN:    viper.GetString("DB_DSN"),
		},
		Redis: RedisCfg{
			Addr:    viper.GetString("REDIS_ADDR"),
			Channel: viper.GetString("RESOLVED_CHANNEL"),
		},
		Daraja: DarajaCfg{
			Environment:    viper.GetString("DARAJA_ENV"),
			Shortcode:      viper.GetString("DARAJA_SHORTCODE"),
			ConsumerKey:    viper.GetString("DARAJA_CONSUMER_KEY"),
			ConsumerSecret: viper.GetString("DARAJA_CONSUMER_SECRET"),
			Passkey:        viper.GetString("DARAJA_PASSKEY"),
		},
		Verify: VerifyCfg{
			Grace:     viper.GetDuration("VERIFY_GRACE"),
			PollEvery: viper.GetDuration("VERIFY_POLL_EVERY"),
			BatchSize: viper.GetInt("VERIFY_BATCH_SIZE"),
			RetryCap:  viper.GetInt("VERIFY_RETRY_CAP"),
		},
		Sec: SecurityCfg{
			AdminToken: strings.TrimSpace(viper.GetString("ADMIN_TOKEN")),
		},
	}

	// 3) Fail fast on required settings
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		log.Fatal().Msg("DB_DSN is required with STORE_DRIVER=postgres")
	}
	if cfg.Daraja.Shortcode == "" || cfg.Daraja.ConsumerKey == "" || cfg.Daraja.ConsumerSecret == "" || cfg.Daraja.Passkey == "" {
		log.Fatal().Msg("DARAJA_SHORTCODE, DARAJA_CONSUMER_KEY, DARAJA_CONSUMER_SECRET and DARAJA_PASSKEY are required")
	}
	if cfg.App.CallbackBaseURL == "" {
		log.Fatal().Msg("CALLBACK_BASE_URL is required (Daraja must be able to reach /payments/callback)")
	}

	return cfg
}
