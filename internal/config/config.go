// Package config loads the engine configuration once at startup.
//
// Sources are applied in order: built-in defaults, an optional YAML file named by
// AUTH_CONFIG_FILE, an optional .env file, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration. TrustedProxies lists the peers, as addresses
// or CIDRs, whose X-Forwarded-For header is honoured.
type Config struct {
	Env            string          `yaml:"env"`
	HTTPAddr       string          `yaml:"http_addr"`
	GRPCAddr       string          `yaml:"grpc_addr"`
	TrustedProxies []string        `yaml:"trusted_proxies"`
	Database       DatabaseConfig  `yaml:"database"`
	Logging        LoggingConfig   `yaml:"logging"`
	Directory      DirectoryConfig `yaml:"directory"`
	Tokens         TokenConfig     `yaml:"tokens"`
	Security       SecurityConfig  `yaml:"security"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DirectoryConfig contains the LDAP directory connection surface.
type DirectoryConfig struct {
	Server             string        `yaml:"server"`
	Port               int           `yaml:"port"`
	UseTLS             bool          `yaml:"use_tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	BaseDN             string        `yaml:"base_dn"`
	UserDN             string        `yaml:"user_dn"`
	GroupDN            string        `yaml:"group_dn"`
	BindDN             string        `yaml:"bind_dn"`
	BindPassword       string        `yaml:"bind_password"`
	UserFilter         string        `yaml:"user_filter"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	SearchTimeout      time.Duration `yaml:"search_timeout"`
	SyncBatchSize      int           `yaml:"sync_batch_size"`
	// SyncSchedule is a cron spec for the bulk directory sync. Empty disables the job.
	SyncSchedule string `yaml:"sync_schedule"`
}

// Enabled reports whether a directory server is configured.
func (d DirectoryConfig) Enabled() bool {
	return strings.TrimSpace(d.Server) != ""
}

// SearchBase returns the DN used for user searches.
func (d DirectoryConfig) SearchBase() string {
	if d.UserDN != "" {
		return d.UserDN
	}
	return d.BaseDN
}

// TokenConfig contains access and refresh token settings.
type TokenConfig struct {
	Algorithm     string        `yaml:"algorithm"`
	Secret        string        `yaml:"secret"`
	PrivateKeyPEM string        `yaml:"private_key"`
	PublicKeyPEM  string        `yaml:"public_key"`
	Issuer        string        `yaml:"issuer"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
}

// SecurityConfig contains lockout, rate-limit, session and reset thresholds.
type SecurityConfig struct {
	MaxLoginAttempts       int           `yaml:"max_login_attempts"`
	LockoutBase            time.Duration `yaml:"lockout_base"`
	LockoutGrowthFactor    float64       `yaml:"lockout_growth_factor"`
	LockoutMax             time.Duration `yaml:"lockout_max"`
	RateLimitWindow        time.Duration `yaml:"rate_limit_window"`
	RateLimitPerIP         int           `yaml:"rate_limit_per_ip"`
	RateLimitPerIdentifier int           `yaml:"rate_limit_per_identifier"`
	MaxSessionsPerUser     int           `yaml:"max_sessions_per_user"`
	PasswordResetTTL       time.Duration `yaml:"password_reset_ttl"`
	PasswordResetPerHour   int           `yaml:"password_reset_per_hour"`
	MinPasswordLength      int           `yaml:"min_password_length"`
	InternalEmailDomains   []string      `yaml:"internal_email_domains"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Env:      "development",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Directory: DirectoryConfig{
			Port:           636,
			UseTLS:         true,
			UserFilter:     "(&(objectClass=user)(|(sAMAccountName={username})(mail={username})))",
			ConnectTimeout: 5 * time.Second,
			SearchTimeout:  10 * time.Second,
			SyncBatchSize:  500,
		},
		Tokens: TokenConfig{
			Algorithm:  "HS256",
			Issuer:     "lostfound-auth",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			MaxLoginAttempts:       5,
			LockoutBase:            30 * time.Minute,
			LockoutGrowthFactor:    2,
			LockoutMax:             24 * time.Hour,
			RateLimitWindow:        time.Minute,
			RateLimitPerIP:         20,
			RateLimitPerIdentifier: 10,
			MaxSessionsPerUser:     5,
			PasswordResetTTL:       time.Hour,
			PasswordResetPerHour:   3,
			MinPasswordLength:      8,
		},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("AUTH_CONFIG_FILE")); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, unit time.Duration, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(n * float64(unit))
		}
	}

	str("ENV", &c.Env)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)

	str("DB_URL", &c.Database.DSN)
	num("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	num("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)

	str("LDAP_SERVER", &c.Directory.Server)
	num("LDAP_PORT", &c.Directory.Port)
	boolean("LDAP_USE_TLS", &c.Directory.UseTLS)
	boolean("LDAP_INSECURE_SKIP_VERIFY", &c.Directory.InsecureSkipVerify)
	str("LDAP_BASE_DN", &c.Directory.BaseDN)
	str("LDAP_USER_DN", &c.Directory.UserDN)
	str("LDAP_GROUP_DN", &c.Directory.GroupDN)
	str("LDAP_BIND_DN", &c.Directory.BindDN)
	str("LDAP_BIND_PASSWORD", &c.Directory.BindPassword)
	str("LDAP_USER_FILTER", &c.Directory.UserFilter)
	dur("LDAP_CONNECT_TIMEOUT", time.Second, &c.Directory.ConnectTimeout)
	dur("LDAP_SEARCH_TIMEOUT", time.Second, &c.Directory.SearchTimeout)
	num("LDAP_SYNC_BATCH_SIZE", &c.Directory.SyncBatchSize)
	str("LDAP_SYNC_SCHEDULE", &c.Directory.SyncSchedule)

	str("JWT_ALGORITHM", &c.Tokens.Algorithm)
	str("JWT_SECRET", &c.Tokens.Secret)
	str("JWT_PRIVATE_KEY", &c.Tokens.PrivateKeyPEM)
	str("JWT_PUBLIC_KEY", &c.Tokens.PublicKeyPEM)
	str("JWT_ISSUER", &c.Tokens.Issuer)
	dur("ACCESS_TOKEN_MINUTES", time.Minute, &c.Tokens.AccessTTL)
	dur("REFRESH_TOKEN_DAYS", 24*time.Hour, &c.Tokens.RefreshTTL)

	num("MAX_LOGIN_ATTEMPTS", &c.Security.MaxLoginAttempts)
	dur("LOCKOUT_BASE_MINUTES", time.Minute, &c.Security.LockoutBase)
	flt("LOCKOUT_GROWTH_FACTOR", &c.Security.LockoutGrowthFactor)
	dur("LOCKOUT_MAX_HOURS", time.Hour, &c.Security.LockoutMax)
	dur("RATE_LIMIT_WINDOW_SECONDS", time.Second, &c.Security.RateLimitWindow)
	num("RATE_LIMIT_PER_IP", &c.Security.RateLimitPerIP)
	num("RATE_LIMIT_PER_IDENTIFIER", &c.Security.RateLimitPerIdentifier)
	num("MAX_SESSIONS_PER_USER", &c.Security.MaxSessionsPerUser)
	dur("PASSWORD_RESET_TTL_MINUTES", time.Minute, &c.Security.PasswordResetTTL)
	num("PASSWORD_RESET_PER_HOUR", &c.Security.PasswordResetPerHour)
	num("MIN_PASSWORD_LENGTH", &c.Security.MinPasswordLength)
	if v := strings.TrimSpace(os.Getenv("INTERNAL_EMAIL_DOMAINS")); v != "" {
		c.Security.InternalEmailDomains = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRUSTED_PROXIES")); v != "" {
		c.TrustedProxies = splitList(v)
	}

	return errors.Join(errs...)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToUpper(c.Tokens.Algorithm) {
	case "HS256":
		if c.Tokens.Secret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required for HS256"))
		}
	case "RS256":
		if c.Tokens.PrivateKeyPEM == "" || c.Tokens.PublicKeyPEM == "" {
			errs = append(errs, errors.New("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required for RS256"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported JWT_ALGORITHM %q", c.Tokens.Algorithm))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Directory.Enabled() {
		if c.Directory.SearchBase() == "" {
			errs = append(errs, errors.New("LDAP_BASE_DN or LDAP_USER_DN is required when LDAP_SERVER is set"))
		}
		if !strings.Contains(c.Directory.UserFilter, "{username}") {
			errs = append(errs, errors.New("LDAP_USER_FILTER must contain {username}"))
		}
	}
	return errors.Join(errs...)
}

// Validate checks threshold sanity.
func (s SecurityConfig) Validate() error {
	var errs []error
	if s.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("MAX_LOGIN_ATTEMPTS must be at least 1"))
	}
	if s.LockoutBase <= 0 || s.LockoutMax < s.LockoutBase {
		errs = append(errs, errors.New("lockout base must be positive and not exceed the maximum"))
	}
	if s.LockoutGrowthFactor < 1 {
		errs = append(errs, errors.New("LOCKOUT_GROWTH_FACTOR must be >= 1"))
	}
	if s.RateLimitWindow <= 0 || s.RateLimitPerIP < 1 || s.RateLimitPerIdentifier < 1 {
		errs = append(errs, errors.New("rate limit window and ceilings must be positive"))
	}
	if s.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS_PER_USER must be at least 1"))
	}
	if s.PasswordResetTTL <= 0 || s.PasswordResetPerHour < 1 {
		errs = append(errs, errors.New("password reset lifetime and hourly cap must be positive"))
	}
	return errors.Join(errs...)
}

// ApplyOverrides merges persisted threshold overrides (keyed by their env names) into s.
// Unknown keys and unparsable values are returned as errors and leave s unchanged for that key.
func (s *SecurityConfig) ApplyOverrides(values map[string]string) error {
	var errs []error
	for key, raw := range values {
		raw = strings.TrimSpace(raw)
		var err error
		switch strings.ToUpper(key) {
		case "MAX_LOGIN_ATTEMPTS":
			err = setInt(raw, &s.MaxLoginAttempts)
		case "LOCKOUT_BASE_MINUTES":
			err = setDuration(raw, time.Minute, &s.LockoutBase)
		case "LOCKOUT_GROWTH_FACTOR":
			var f float64
			if f, err = strconv.ParseFloat(raw, 64); err == nil {
				s.LockoutGrowthFactor = f
			}
		case "LOCKOUT_MAX_HOURS":
			err = setDuration(raw, time.Hour, &s.LockoutMax)
		case "RATE_LIMIT_WINDOW_SECONDS":
			err = setDuration(raw, time.Second, &s.RateLimitWindow)
		case "RATE_LIMIT_PER_IP":
			err = setInt(raw, &s.RateLimitPerIP)
		case "RATE_LIMIT_PER_IDENTIFIER":
			err = setInt(raw, &s.RateLimitPerIdentifier)
		case "MAX_SESSIONS_PER_USER":
			err = setInt(raw, &s.MaxSessionsPerUser)
		case "PASSWORD_RESET_TTL_MINUTES":
			err = setDuration(raw, time.Minute, &s.PasswordResetTTL)
		case "PASSWORD_RESET_PER_HOUR":
			err = setInt(raw, &s.PasswordResetPerHour)
		case "MIN_PASSWORD_LENGTH":
			err = setInt(raw, &s.MinPasswordLength)
		default:
			err = errors.New("unknown setting")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("security setting %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(raw string, dst *int) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(raw string, unit time.Duration, dst *time.Duration) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*dst = time.Duration(f * float64(unit))
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, v := range c.TrustedProxies {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
