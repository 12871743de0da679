package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aiox-platform/quotaengine/internal/window"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Auth     AuthConfig
	Log      LogConfig
	Tracing  TracingConfig
	Quota    QuotaConfig
	Referral ReferralConfig
	Reaper   ReaperConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
	// Requests per minute per client IP on public endpoints.
	PublicRateLimit int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
	AutoMigrate    bool
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL runs every event handler inline.
type NATSConfig struct {
	URL string
}

type AuthConfig struct {
	TokenSecret string
	TokenExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled     bool
	Exporter    string // otlp | stdout
	Endpoint    string
	SampleRate  float64
	ServiceName string
}

// Regime selects which limit regime a resource is enforced under.
type Regime string

const (
	// RegimeRolling enforces hour, three-hour and day windows.
	RegimeRolling Regime = "rolling"
	// RegimeDaily enforces the day window plus plan token caps.
	RegimeDaily Regime = "daily"
	// RegimeBoth enforces the rolling windows and the plan token caps.
	RegimeBoth Regime = "both"
)

func (r Regime) Valid() bool {
	return r == RegimeRolling || r == RegimeDaily || r == RegimeBoth
}

// Windows returns the window kinds counted under the regime.
func (r Regime) Windows() []window.Kind {
	if r == RegimeDaily {
		return []window.Kind{window.Day}
	}
	return window.Kinds
}

// TokenCaps reports whether plan token caps are enforced.
func (r Regime) TokenCaps() bool {
	return r == RegimeDaily || r == RegimeBoth
}

const (
	ModeSoft   = "soft"
	ModeStrict = "strict"

	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// ResourcePolicy is the per-resource quota policy.
type ResourcePolicy struct {
	Name          string
	Base          map[window.Kind]int64
	Regime        Regime
	BonusExcluded bool
}

type QuotaConfig struct {
	Store     string
	Mode      string
	PlansFile string
	// ProvidersFile overrides the built-in upstream provider limits.
	ProvidersFile string
	Resources     []ResourcePolicy
}

// Resource returns the policy for name.
func (c QuotaConfig) Resource(name string) (ResourcePolicy, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourcePolicy{}, false
}

type ReferralConfig struct {
	BonusFactor      float64
	MaxMultiplier    float64
	Cooldown         time.Duration
	MaxPerAddress    int
	NewAccountWindow time.Duration
	AddressSecret    string
	CodeRetries      int
}

type ReaperConfig struct {
	Interval          time.Duration
	WindowRetention   time.Duration
	DailyRetention    time.Duration
	BatchSize         int
	ExpiryInterval    time.Duration
	ReconcileInterval time.Duration
}

const (
	defaultResources      = "orzion-mini,orzion-turbo,orzion-pro"
	defaultLimits         = "orzion-mini:150/450/1500,orzion-turbo:30/100/300,orzion-pro:30/100/300"
	defaultBonusExcluded  = "orzion-mini"
	defaultRestrictedBase = "30/100/300"
)

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: splitList(k.String("cors.allowed.origins")),
			PublicRateLimit:    k.Int("server.public.rate.limit"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
			AutoMigrate:    k.Bool("db.auto.migrate"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Auth: AuthConfig{
			TokenSecret: k.String("auth.token.secret"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Tracing: TracingConfig{
			Enabled:     k.Bool("tracing.enabled"),
			Exporter:    k.String("tracing.exporter"),
			Endpoint:    k.String("tracing.endpoint"),
			SampleRate:  k.Float64("tracing.sample.rate"),
			ServiceName: k.String("tracing.service.name"),
		},
		Quota: QuotaConfig{
			Store:         k.String("quota.store"),
			Mode:          k.String("quota.mode"),
			PlansFile:     k.String("quota.plans.file"),
			ProvidersFile: k.String("quota.providers.file"),
		},
		Referral: ReferralConfig{
			BonusFactor:   k.Float64("referral.bonus.factor"),
			MaxMultiplier: k.Float64("referral.max.multiplier"),
			MaxPerAddress: k.Int("referral.max.per.address"),
			AddressSecret: k.String("referral.address.secret"),
			CodeRetries:   k.Int("referral.code.retries"),
		},
		Reaper: ReaperConfig{
			BatchSize: k.Int("reaper.batch.size"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PublicRateLimit == 0 {
		cfg.Server.PublicRateLimit = 30
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "quota"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "quota"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlp"
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "quotaengine"
	}
	if cfg.Quota.Store == "" {
		cfg.Quota.Store = StorePostgres
	}
	if cfg.Quota.Mode == "" {
		cfg.Quota.Mode = ModeSoft
	}
	if cfg.Referral.BonusFactor == 0 {
		cfg.Referral.BonusFactor = 2.0
	}
	if cfg.Referral.MaxMultiplier == 0 {
		cfg.Referral.MaxMultiplier = 10.0
	}
	if cfg.Referral.MaxPerAddress == 0 {
		cfg.Referral.MaxPerAddress = 1
	}
	if cfg.Referral.CodeRetries == 0 {
		cfg.Referral.CodeRetries = 10
	}
	if cfg.Reaper.BatchSize == 0 {
		cfg.Reaper.BatchSize = 5000
	}

	// Resource policies
	cfg.Quota.Resources, err = parseResources(
		stringOr(k.String("quota.resources"), defaultResources),
		stringOr(k.String("quota.limits"), defaultLimits),
		k.String("quota.regimes"),
		stringOr(k.String("quota.bonus.excluded"), defaultBonusExcluded),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing quota resources: %w", err)
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"auth.token.expiry", "720h", &cfg.Auth.TokenExpiry},
		{"referral.cooldown", "720h", &cfg.Referral.Cooldown},
		{"referral.new.account.window", "24h", &cfg.Referral.NewAccountWindow},
		{"reaper.interval", "10m", &cfg.Reaper.Interval},
		{"reaper.window.retention", "168h", &cfg.Reaper.WindowRetention},
		{"reaper.daily.retention", "720h", &cfg.Reaper.DailyRetention},
		{"reaper.expiry.interval", "15m", &cfg.Reaper.ExpiryInterval},
		{"reaper.reconcile.interval", "5m", &cfg.Reaper.ReconcileInterval},
	}
	for _, d := range durations {
		*d.dest, err = time.ParseDuration(stringOr(k.String(d.key), d.def))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

// parseResources builds resource policies from comma separated lists:
// names "a,b", limits "a:30/100/300", regimes "a:daily", excluded "a".
func parseResources(names, limits, regimes, excluded string) ([]ResourcePolicy, error) {
	limitMap, err := parsePairs(limits)
	if err != nil {
		return nil, err
	}
	regimeMap, err := parsePairs(regimes)
	if err != nil {
		return nil, err
	}
	excludedSet := make(map[string]bool)
	for _, name := range splitList(excluded) {
		excludedSet[name] = true
	}

	var out []ResourcePolicy
	for _, name := range splitList(names) {
		triple, ok := limitMap[name]
		if !ok {
			triple = defaultRestrictedBase
		}
		base, err := parseTriple(triple)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		regime := Regime(stringOr(regimeMap[name], string(RegimeRolling)))
		out = append(out, ResourcePolicy{
			Name:          name,
			Base:          base,
			Regime:        regime,
			BonusExcluded: excludedSet[name],
		})
	}
	return out, nil
}

func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		name, value, ok := strings.Cut(item, ":")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q, want name:value", item)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}

// parseTriple parses "hour/three_hour/day".
func parseTriple(s string) (map[window.Kind]int64, error) {
	parts := strings.Split(s, "/")
	if len(parts) != len(window.Kinds) {
		return nil, fmt.Errorf("limits %q must have %d values", s, len(window.Kinds))
	}
	out := make(map[window.Kind]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("limits %q: %w", s, err)
		}
		out[window.Kinds[i]] = n
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
