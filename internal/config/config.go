package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Billing struct {
		StripeSecretKey     string `yaml:"stripe_secret_key"`
		StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
		PriceID             string `yaml:"price_id"`
		SuccessURL          string `yaml:"success_url"`
		CancelURL           string `yaml:"cancel_url"`
	} `yaml:"billing"`
	Entitlements struct {
		FreeMonthlyLimit int           `yaml:"free_monthly_limit"`
		PastDueGraceDays int           `yaml:"past_due_grace_days"`
		AdminEmails      []string      `yaml:"admin_emails"`
		PromoCodes       []string      `yaml:"promo_codes"`
		CacheTTL         time.Duration `yaml:"cache_ttl"`
		CacheSize        int           `yaml:"cache_size"`
	} `yaml:"entitlements"`
	Sync struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		VerifyAttempts int           `yaml:"verify_attempts"`
		VerifyInterval time.Duration `yaml:"verify_interval"`
	} `yaml:"sync"`
	Security struct {
		APIKey          string `yaml:"api_key"`
		TokenSigningKey string `yaml:"token_signing_key"`
	} `yaml:"security"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.Entitlements.FreeMonthlyLimit = 3
	cfg.Entitlements.PastDueGraceDays = 7
	cfg.Entitlements.CacheTTL = 30 * time.Second
	cfg.Entitlements.CacheSize = 4096
	cfg.Sync.PollInterval = 30 * time.Second
	cfg.Sync.VerifyAttempts = 10
	cfg.Sync.VerifyInterval = 2 * time.Second
	cfg.Log.Level = "info"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CURIO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CURIO_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CURIO_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CURIO_STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("CURIO_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("CURIO_STRIPE_PRICE_ID"); v != "" {
		cfg.Billing.PriceID = v
	}
	if v := os.Getenv("CURIO_CHECKOUT_SUCCESS_URL"); v != "" {
		cfg.Billing.SuccessURL = v
	}
	if v := os.Getenv("CURIO_CHECKOUT_CANCEL_URL"); v != "" {
		cfg.Billing.CancelURL = v
	}
	if v := os.Getenv("CURIO_FREE_MONTHLY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Entitlements.FreeMonthlyLimit = n
		}
	}
	if v := os.Getenv("CURIO_PAST_DUE_GRACE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Entitlements.PastDueGraceDays = n
		}
	}
	if v := os.Getenv("CURIO_ADMIN_EMAILS"); v != "" {
		cfg.Entitlements.AdminEmails = splitCSV(v)
	}
	if v := os.Getenv("CURIO_PROMO_CODES"); v != "" {
		cfg.Entitlements.PromoCodes = splitCSV(v)
	}
	if v := os.Getenv("CURIO_ENTITLEMENT_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Entitlements.CacheTTL = d
		}
	}
	if v := os.Getenv("CURIO_ENTITLEMENT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Entitlements.CacheSize = n
		}
	}
	if v := os.Getenv("CURIO_SYNC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PollInterval = d
		}
	}
	if v := os.Getenv("CURIO_SYNC_VERIFY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.VerifyAttempts = n
		}
	}
	if v := os.Getenv("CURIO_SYNC_VERIFY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.VerifyInterval = d
		}
	}
	if v := os.Getenv("CURIO_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("CURIO_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.TokenSigningKey = v
	}
	if v := os.Getenv("CURIO_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("CURIO_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("CURIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
