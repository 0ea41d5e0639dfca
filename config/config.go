// Package config loads the provider configuration from a YAML file and SKP_*
// environment variables. Every key has a default, so a deployment can be
// configured from the environment alone.
//
// Environment variables map to keys by upper-casing and replacing dots with
// underscores: verifier.max_staleness is SKP_VERIFIER_MAX_STALENESS. List values
// are comma separated.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/attestation"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "SKP"

type Config struct {
	Identity    IdentityConfig    `mapstructure:"identity"`
	Root        RootConfig        `mapstructure:"root"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Verifier    VerifierConfig    `mapstructure:"verifier"`
	Generator   GeneratorConfig   `mapstructure:"generator"`
	Release     ReleaseConfig     `mapstructure:"release"`
	Replay      ReplayConfig      `mapstructure:"replay"`
	Server      ServerConfig      `mapstructure:"server"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// IdentityConfig is the provider's sealing identity. An empty measurement is
// taken from the provider's own startup quote.
type IdentityConfig struct {
	Measurement   string `mapstructure:"measurement"`
	PolicyVersion uint32 `mapstructure:"policy_version"`
	ProductID     uint32 `mapstructure:"product_id"`
}

// RootConfig selects the hardware root backend: static, file, shamir or vault.
type RootConfig struct {
	Backend      string     `mapstructure:"backend"`
	StaticSecret string     `mapstructure:"static_secret"`
	FilePath     string     `mapstructure:"file_path"`
	Shamir       ShamirRoot `mapstructure:"shamir"`
	Vault        VaultRoot  `mapstructure:"vault"`
}

type ShamirRoot struct {
	Threshold     int           `mapstructure:"threshold"`
	AdminKeys     []string      `mapstructure:"admin_keys"`
	SharesDir     string        `mapstructure:"shares_dir"`
	UnlockTimeout time.Duration `mapstructure:"unlock_timeout"`
}

type VaultRoot struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
	Field      string `mapstructure:"field"`
}

// AttestationConfig selects how the provider obtains and verifies quotes.
type AttestationConfig struct {
	Type string `mapstructure:"type"`
	// AuthoritySeed is the hex Ed25519 seed of a software attestation authority
	// used to issue the provider's own quotes.
	AuthoritySeed string `mapstructure:"authority_seed"`
	// AuthorityPublicKey is the hex Ed25519 key trusted for software quotes.
	AuthorityPublicKey string `mapstructure:"authority_public_key"`
	// RemoteAddress, when set, obtains DCAP quotes from an attestation service.
	RemoteAddress string `mapstructure:"remote_address"`
	// PlatformID is the hex platform identifier put in software quotes. DCAP
	// quotes carry the platform in their header.
	PlatformID string `mapstructure:"platform_id"`
}

type VerifierConfig struct {
	AllowedMeasurements []string      `mapstructure:"allowed_measurements"`
	MaxStaleness        time.Duration `mapstructure:"max_staleness"`
	MaxClockSkew        time.Duration `mapstructure:"max_clock_skew"`
	// RequireSamePlatform only releases keys to enclaves on the provider's machine.
	RequireSamePlatform bool `mapstructure:"require_same_platform"`
	// DCAPCheckCollateral checks DCAP quotes against Intel PCS collateral.
	DCAPCheckCollateral bool `mapstructure:"dcap_check_collateral"`
}

type GeneratorConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type ReleaseConfig struct {
	DerivationVersion        uint32        `mapstructure:"derivation_version"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout"`
	BindRequesterMeasurement bool          `mapstructure:"bind_requester_measurement"`
}

// ReplayConfig selects the nonce store: memory or redis.
type ReplayConfig struct {
	Backend  string      `mapstructure:"backend"`
	Capacity int         `mapstructure:"capacity"`
	Redis    RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
	Prefix   string `mapstructure:"prefix"`
}

// ServerConfig is the stream transport. Network is tcp or vsock; vsock
// addresses are "cid:port".
type ServerConfig struct {
	Network      string        `mapstructure:"network"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	Workers      int64         `mapstructure:"workers"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          bool          `mapstructure:"tls"`
	TLSCertFile  string        `mapstructure:"tls_cert_file"`
	TLSKeyFile   string        `mapstructure:"tls_key_file"`
}

// HTTPConfig is the HTTP transport. An empty listen address disables it.
type HTTPConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	EnablePprof   bool          `mapstructure:"enable_pprof"`
	DrainDuration time.Duration `mapstructure:"drain_duration"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// AuditConfig lists audit sink URIs, see package audit.
type AuditConfig struct {
	Sinks []string `mapstructure:"sinks"`
	// Events are written in the background; QueueSize bounds the backlog and
	// WriteTimeout each write.
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

func setDefaults(v *viper.Viper) {
	gen := attestation.DefaultGeneratorConfig()

	v.SetDefault("identity.measurement", "")
	v.SetDefault("identity.policy_version", 1)
	v.SetDefault("identity.product_id", 0)

	v.SetDefault("root.backend", "file")
	v.SetDefault("root.static_secret", "")
	v.SetDefault("root.file_path", "/dev/attestation/keys/_sgx_mrenclave")
	v.SetDefault("root.shamir.threshold", 0)
	v.SetDefault("root.shamir.admin_keys", []string{})
	v.SetDefault("root.shamir.shares_dir", "")
	v.SetDefault("root.shamir.unlock_timeout", 5*time.Minute)
	v.SetDefault("root.vault.address", "")
	v.SetDefault("root.vault.token", "")
	v.SetDefault("root.vault.mount_path", "secret")
	v.SetDefault("root.vault.secret_path", "skp/root")
	v.SetDefault("root.vault.field", "root")

	v.SetDefault("attestation.type", string(interfaces.DCAPAttestation))
	v.SetDefault("attestation.authority_seed", "")
	v.SetDefault("attestation.authority_public_key", "")
	v.SetDefault("attestation.remote_address", "")
	v.SetDefault("attestation.platform_id", "")

	v.SetDefault("verifier.allowed_measurements", []string{})
	v.SetDefault("verifier.max_staleness", 5*time.Minute)
	v.SetDefault("verifier.max_clock_skew", 30*time.Second)
	v.SetDefault("verifier.require_same_platform", false)
	v.SetDefault("verifier.dcap_check_collateral", true)

	v.SetDefault("generator.max_attempts", gen.MaxAttempts)
	v.SetDefault("generator.initial_backoff", gen.InitialBackoff)
	v.SetDefault("generator.max_backoff", gen.MaxBackoff)
	v.SetDefault("generator.timeout", gen.Timeout)

	v.SetDefault("release.derivation_version", 1)
	v.SetDefault("release.request_timeout", 30*time.Second)
	v.SetDefault("release.bind_requester_measurement", false)

	v.SetDefault("replay.backend", "memory")
	v.SetDefault("replay.capacity", 4096)
	v.SetDefault("replay.redis.addr", "127.0.0.1:6379")
	v.SetDefault("replay.redis.username", "")
	v.SetDefault("replay.redis.password", "")
	v.SetDefault("replay.redis.db", 0)
	v.SetDefault("replay.redis.tls", false)
	v.SetDefault("replay.redis.prefix", "skp:nonce:")

	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.listen_addr", "127.0.0.1:7070")
	v.SetDefault("server.workers", 1)
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.tls", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("http.listen_addr", "")
	v.SetDefault("http.enable_pprof", false)
	v.SetDefault("http.drain_duration", 45*time.Second)
	v.SetDefault("http.read_timeout", 60*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)

	v.SetDefault("audit.sinks", []string{})
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.write_timeout", 5*time.Second)

	v.SetDefault("metrics.listen_addr", "127.0.0.1:8090")
}

// Load reads the configuration from path, if not empty, overlays SKP_*
// environment variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrInvalidConfig, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	check := func(cond bool, format string, args ...any) {
		if !cond {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if c.Identity.Measurement != "" {
		_, err := interfaces.NewMeasurementFromHex(c.Identity.Measurement)
		check(err == nil, "identity.measurement: %v", err)
	}

	switch c.Root.Backend {
	case "static":
		check(c.Root.StaticSecret != "", "root.static_secret is required for the static backend")
	case "file":
		check(c.Root.FilePath != "", "root.file_path is required for the file backend")
	case "shamir":
		check(c.Root.Shamir.Threshold >= 2, "root.shamir.threshold must be at least 2")
		keys, err := c.AdminKeys()
		check(err == nil, "root.shamir.admin_keys: %v", err)
		check(err != nil || len(keys) >= c.Root.Shamir.Threshold,
			"root.shamir.admin_keys: %d keys configured, need at least threshold (%d)", len(keys), c.Root.Shamir.Threshold)
	case "vault":
		check(c.Root.Vault.Address != "", "root.vault.address is required for the vault backend")
		check(c.Root.Vault.Token != "", "root.vault.token is required for the vault backend")
	default:
		check(false, "root.backend: unknown backend %q", c.Root.Backend)
	}

	attType, err := cryptoutils.AttestationTypeFromString(c.Attestation.Type)
	check(err == nil, "attestation.type: %v", err)
	if attType == interfaces.SoftwareAttestation {
		check(isHexOfSize(c.Attestation.AuthoritySeed, 32), "attestation.authority_seed must be 32 hex-encoded bytes")
	}
	if c.Attestation.AuthorityPublicKey != "" {
		check(isHexOfSize(c.Attestation.AuthorityPublicKey, 32), "attestation.authority_public_key must be 32 hex-encoded bytes")
	}
	if c.Attestation.PlatformID != "" {
		check(isHexOfSize(c.Attestation.PlatformID, interfaces.PlatformIDSize), "attestation.platform_id must be %d hex-encoded bytes", interfaces.PlatformIDSize)
	}
	if attType == interfaces.SoftwareAttestation && c.Verifier.RequireSamePlatform {
		check(c.Attestation.PlatformID != "", "verifier.require_same_platform needs attestation.platform_id for software attestation")
	}

	_, err = interfaces.NewMeasurementSet(c.Verifier.AllowedMeasurements)
	check(err == nil, "verifier.allowed_measurements: %v", err)
	check(c.Verifier.MaxStaleness > 0, "verifier.max_staleness must be positive")
	check(c.Verifier.MaxClockSkew >= 0, "verifier.max_clock_skew must not be negative")

	check(c.Generator.MaxAttempts >= 1, "generator.max_attempts must be at least 1")
	check(c.Generator.InitialBackoff > 0, "generator.initial_backoff must be positive")
	check(c.Generator.MaxBackoff >= c.Generator.InitialBackoff, "generator.max_backoff must not be below initial_backoff")

	check(c.Release.DerivationVersion >= 1, "release.derivation_version must be at least 1")
	check(c.Release.RequestTimeout > 0, "release.request_timeout must be positive")

	if len(c.Audit.Sinks) > 0 {
		check(c.Audit.QueueSize >= 1, "audit.queue_size must be at least 1")
		check(c.Audit.WriteTimeout > 0, "audit.write_timeout must be positive")
	}

	switch c.Replay.Backend {
	case "memory":
		check(c.Replay.Capacity > 0, "replay.capacity must be positive")
	case "redis":
		check(c.Replay.Redis.Addr != "", "replay.redis.addr is required for the redis backend")
	default:
		check(false, "replay.backend: unknown backend %q", c.Replay.Backend)
	}

	check(c.Server.Network == "tcp" || c.Server.Network == "vsock", "server.network must be tcp or vsock")
	check(c.Server.ListenAddr != "", "server.listen_addr is required")
	check(c.Server.Workers >= 1, "server.workers must be at least 1")
	check((c.Server.TLSCertFile == "") == (c.Server.TLSKeyFile == ""), "server.tls_cert_file and server.tls_key_file must be set together")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func isHexOfSize(s string, size int) bool {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	return err == nil && len(b) == size
}

// SealingIdentity returns the configured identity. The measurement is zero when
// it should be taken from the provider's own quote.
func (c *Config) SealingIdentity() (interfaces.SealingIdentity, error) {
	id := interfaces.SealingIdentity{
		PolicyVersion: c.Identity.PolicyVersion,
		ProductID:     c.Identity.ProductID,
	}
	if c.Identity.Measurement == "" {
		return id, nil
	}

	m, err := interfaces.NewMeasurementFromHex(c.Identity.Measurement)
	if err != nil {
		return id, err
	}
	id.Measurement = m
	return id, nil
}

// AdminKeys parses the Shamir admin public keys.
func (c *Config) AdminKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.Root.Shamir.AdminKeys))
	for _, k := range c.Root.Shamir.AdminKeys {
		if !isHexOfSize(k, 32) {
			return nil, fmt.Errorf("invalid admin key %q: must be 32 hex-encoded bytes", k)
		}
		b, _ := hex.DecodeString(strings.TrimPrefix(k, "0x"))
		keys = append(keys, ed25519.PublicKey(b))
	}
	return keys, nil
}

// SoftwarePlatform parses attestation.platform_id, nil when unset.
func (c *Config) SoftwarePlatform() ([]byte, error) {
	if c.Attestation.PlatformID == "" {
		return nil, nil
	}
	if !isHexOfSize(c.Attestation.PlatformID, interfaces.PlatformIDSize) {
		return nil, fmt.Errorf("invalid platform id %q", c.Attestation.PlatformID)
	}
	return hex.DecodeString(strings.TrimPrefix(c.Attestation.PlatformID, "0x"))
}

// VerifierPolicy converts the verifier settings.
func (c *Config) VerifierPolicy() (attestation.VerifierConfig, error) {
	allowed, err := interfaces.NewMeasurementSet(c.Verifier.AllowedMeasurements)
	if err != nil {
		return attestation.VerifierConfig{}, err
	}
	return attestation.VerifierConfig{
		AllowedMeasurements: allowed,
		MaxStaleness:        c.Verifier.MaxStaleness,
		MaxClockSkew:        c.Verifier.MaxClockSkew,
	}, nil
}

func (c *Config) GeneratorPolicy() attestation.GeneratorConfig {
	return attestation.GeneratorConfig{
		MaxAttempts:    c.Generator.MaxAttempts,
		InitialBackoff: c.Generator.InitialBackoff,
		MaxBackoff:     c.Generator.MaxBackoff,
		Timeout:        c.Generator.Timeout,
	}
}

// ReplayWindow is how long nonces are remembered: the quote validity window
// plus the tolerated clock skew.
func (c *Config) ReplayWindow() time.Duration {
	return c.Verifier.MaxStaleness + c.Verifier.MaxClockSkew
}
