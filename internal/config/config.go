package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type AppCfg struct{ Env, Port, CallbackBaseURL string }

type DarajaCfg struct {
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	Environment    string // sandbox | production
}

type DBCfg struct{ DSN string } // empty selects the in-memory store
type RedisCfg struct{ Addr string }
type SecurityCfg struct{ APIKey string }

type PollCfg struct {
	Interval      time.Duration // status poller tick
	QueryDeadline time.Duration // callback overdue after this
	MaxPendingAge time.Duration // pending past this becomes TIMED_OUT
}

type Cfg struct {
	App    AppCfg
	Daraja DarajaCfg
	DB     DBCfg
	Redis  RedisCfg
	Sec    SecurityCfg
	Poll   PollCfg
}

func Load() Cfg {
	// .env into process env first; absent file is fine.
	_ = godotenv.Load()

	viper.AutomaticEnv()
	viper.SetDefault("APP_ENV", "sandbox")
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("DARAJA_ENV", "sandbox")
	viper.SetDefault("POLL_INTERVAL", "15s")
	viper.SetDefault("QUERY_DEADLINE", "60s")
	viper.SetDefault("MAX_PENDING_AGE", "5m")
	viper.SetDefault("TZ", "Africa/Nairobi")

	if tz := viper.GetString("TZ"); tz != "" {
		os.Setenv("TZ", tz)
	}

	cfg := Cfg{
		App: AppCfg{
			Env:             viper.GetString("APP_ENV"),
			Port:            viper.GetString("APP_PORT"),
			CallbackBaseURL: viper.GetString("CALLBACK_BASE_URL"),
		},
		Daraja: DarajaCfg{
			ConsumerKey:    viper.GetString("DARAJA_CONSUMER_KEY"),
			ConsumerSecret: viper.GetString("DARAJA_CONSUMER_SECRET"),
			Passkey:        viper.GetString("DARAJA_PASSKEY"),
			Shortcode:      viper.GetString("DARAJA_SHORTCODE"),
			Environment:    viper.GetString("DARAJA_ENV"),
		},
		DB:    DBCfg{DSN: viper.GetString("DB_DSN")},
		Redis: RedisCfg{Addr: viper.GetString("REDIS_ADDR")},
		Sec:   SecurityCfg{APIKey: viper.GetString("API_KEY")},
		Poll: PollCfg{
			Interval:      viper.GetDuration("POLL_INTERVAL"),
			QueryDeadline: viper.GetDuration("QUERY_DEADLINE"),
			MaxPendingAge: viper.GetDuration("MAX_PENDING_AGE"),
		},
	}

	// Fail fast on required settings.
	if cfg.Daraja.ConsumerKey == "" || cfg.Daraja.ConsumerSecret == "" {
		log.Fatal().Msg("DARAJA_CONSUMER_KEY and DARAJA_CONSUMER_SECRET are required")
	}
	if cfg.Daraja.Passkey == "" || cfg.Daraja.Shortcode == "" {
		log.Fatal().Msg("DARAJA_PASSKEY and DARAJA_SHORTCODE are required")
	}
	if cfg.App.CallbackBaseURL == "" {
		log.Fatal().Msg("CALLBACK_BASE_URL is required")
	}
	if cfg.Sec.APIKey == "" {
		log.Fatal().Msg("API_KEY is required")
	}
	return cfg
}
