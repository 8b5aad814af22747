package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Escrow     EscrowConfig
	PubSub     PubSubConfig
	Outbox     OutboxConfig
	Policy     PolicyConfig
	Reconciler ReconcilerConfig
	GCP        GCPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STAGEPAY_APP_ENV" required:"true"`
	Port         string `envconfig:"STAGEPAY_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STAGEPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STAGEPAY_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"STAGEPAY_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"STAGEPAY_DB_DSN"`
	Driver string `envconfig:"STAGEPAY_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STAGEPAY_DB_HOST"`
	Port     int    `envconfig:"STAGEPAY_DB_PORT" default:"5432"`
	User     string `envconfig:"STAGEPAY_DB_USER"`
	Password string `envconfig:"STAGEPAY_DB_PASSWORD"`
	Name     string `envconfig:"STAGEPAY_DB_NAME"`
	SSLMode  string `envconfig:"STAGEPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STAGEPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STAGEPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STAGEPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STAGEPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STAGEPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STAGEPAY_REDIS_ADDR"`
	Password     string        `envconfig:"STAGEPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"STAGEPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STAGEPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STAGEPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STAGEPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STAGEPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STAGEPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"STAGEPAY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"STAGEPAY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"STAGEPAY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type EscrowConfig struct {
	AccessToken   string `envconfig:"STAGEPAY_ESCROW_ACCESS_TOKEN"`
	Environment   string `envconfig:"STAGEPAY_ESCROW_ENV" default:"sandbox"`
	LocationID    string `envconfig:"STAGEPAY_ESCROW_LOCATION_ID"`
	WebhookSecret string `envconfig:"STAGEPAY_ESCROW_WEBHOOK_SECRET"`
	// WebhookURL is the notification URL registered with the gateway; the
	// callback signature is computed over this URL plus the body.
	WebhookURL string `envconfig:"STAGEPAY_ESCROW_WEBHOOK_URL"`
	Currency   string `envconfig:"STAGEPAY_ESCROW_CURRENCY" default:"USD"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"STAGEPAY_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	DomainTopic        string `envconfig:"STAGEPAY_PUBSUB_DOMAIN_TOPIC" default:"sp-domain-events"`
	DomainSubscription string `envconfig:"STAGEPAY_PUBSUB_DOMAIN_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"STAGEPAY_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"STAGEPAY_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"STAGEPAY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	IdempotencyTTL time.Duration `envconfig:"STAGEPAY_OUTBOX_IDEMPOTENCY_TTL" default:"720h"`
}

// PolicyConfig carries the escrow policy knobs surfaced to the transition guards.
type PolicyConfig struct {
	// DepositThresholdPercent is the minimum activation deposit as a
	// percentage of the project budget. 100 means the full budget must be
	// funded before the project activates.
	DepositThresholdPercent int `envconfig:"STAGEPAY_POLICY_DEPOSIT_THRESHOLD_PERCENT" default:"50"`
}

func (p PolicyConfig) validate() error {
	if p.DepositThresholdPercent < 1 || p.DepositThresholdPercent > 100 {
		return fmt.Errorf("deposit threshold percent must be between 1 and 100, got %d", p.DepositThresholdPercent)
	}
	return nil
}

type ReconcilerConfig struct {
	// StuckAfter is how long a payment may sit in processing before the
	// reconciler re-checks it against the gateway.
	StuckAfter   time.Duration `envconfig:"STAGEPAY_RECONCILER_STUCK_AFTER" default:"10m"`
	PollInterval time.Duration `envconfig:"STAGEPAY_RECONCILER_POLL_INTERVAL" default:"1m"`
	BatchSize    int           `envconfig:"STAGEPAY_RECONCILER_BATCH_SIZE" default:"20"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
