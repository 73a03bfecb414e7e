package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Provider struct {
		Name          string        `mapstructure:"NAME"`
		BaseURL       string        `mapstructure:"BASE_URL"`
		MerchantID    string        `mapstructure:"MERCHANT_ID"`
		MerchantToken string        `mapstructure:"MERCHANT_TOKEN"`
		CallbackURL   string        `mapstructure:"CALLBACK_URL"`
		WebhookSecret string        `mapstructure:"WEBHOOK_SECRET"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"PROVIDER"`
	Exchange struct {
		// Fallback USD->CDF rate used when no operator-set rate is
		// present in redis. CDF per 1 USD.
		RateCDFPerUSD int64         `mapstructure:"RATE_CDF_PER_USD"`
		CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`
	} `mapstructure:"EXCHANGE"`
	Pool struct {
		HoldTTL time.Duration `mapstructure:"HOLD_TTL"`
	} `mapstructure:"POOL"`
	Sweeper struct {
		Interval        time.Duration `mapstructure:"INTERVAL"`
		ProviderTimeout time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	} `mapstructure:"SWEEPER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.HoldTTL == 0 {
		cfg.Pool.HoldTTL = 24 * time.Hour
	}
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	if cfg.Sweeper.ProviderTimeout == 0 {
		cfg.Sweeper.ProviderTimeout = 15 * time.Minute
	}
	if cfg.Exchange.CacheTTL == 0 {
		cfg.Exchange.CacheTTL = 5 * time.Minute
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 30 * time.Second
	}
}
