// Package config loads and validates daemon configuration from file,
// environment, and defaults via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmesh/agentmesh/internal/trust"
)

// Audit storage backends.
const (
	AuditStorageMemory   = "memory"
	AuditStorageFile     = "file"
	AuditStoragePostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Identity IdentityConfig `mapstructure:"identity"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Trust    TrustConfig    `mapstructure:"trust"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
	AdminSecret  string   `mapstructure:"admin_secret"`
}

// IdentityConfig covers the registry and credential lifecycle.
type IdentityConfig struct {
	CredentialTTL          time.Duration `mapstructure:"credential_ttl"`
	CredentialRotationLead time.Duration `mapstructure:"credential_rotation_lead"`
	MaxDelegationDepth     int           `mapstructure:"max_delegation_depth"`
	AuthorityKeyFile       string        `mapstructure:"authority_key_file"`
}

// PolicyConfig covers the policy engine.
type PolicyConfig struct {
	EvalTimeout     time.Duration `mapstructure:"eval_timeout"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	Dir             string        `mapstructure:"dir"` // policy documents loaded at startup
}

// AuditConfig covers the audit log.
type AuditConfig struct {
	Storage     string `mapstructure:"storage"` // memory | file | postgres
	FilePath    string `mapstructure:"file_path"`
	DatabaseURL string `mapstructure:"database_url"`
}

// TrustConfig covers the trust engine.
type TrustConfig struct {
	RevocationThreshold int                `mapstructure:"revocation_threshold"`
	DecayInterval       time.Duration      `mapstructure:"decay_interval"`
	DecayRate           float64            `mapstructure:"decay_rate"`
	DecayFloor          float64            `mapstructure:"decay_floor"`
	DimensionWeights    map[string]float64 `mapstructure:"dimension_weights"`
	DimensionAlpha      map[string]float64 `mapstructure:"dimension_alpha"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.admin_secret", "")

	v.SetDefault("identity.credential_ttl", "15m")
	v.SetDefault("identity.credential_rotation_lead", "5m")
	v.SetDefault("identity.max_delegation_depth", 8)
	v.SetDefault("identity.authority_key_file", "")

	v.SetDefault("policy.eval_timeout", "5ms")
	v.SetDefault("policy.approval_timeout", "30s")
	v.SetDefault("policy.dir", "")

	v.SetDefault("audit.storage", AuditStorageMemory)
	v.SetDefault("audit.file_path", "audit.log")
	v.SetDefault("audit.database_url", "")

	v.SetDefault("trust.revocation_threshold", 300)
	v.SetDefault("trust.decay_interval", "1h")
	v.SetDefault("trust.decay_rate", 2.0)
	v.SetDefault("trust.decay_floor", 10.0)
}

// Load reads configuration from the given file (optional), the MESH_*
// environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("meshd")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Identity.CredentialTTL <= 0 {
		return errors.New("identity.credential_ttl must be positive")
	}
	if c.Identity.CredentialRotationLead <= 0 || c.Identity.CredentialRotationLead >= c.Identity.CredentialTTL {
		return errors.New("identity.credential_rotation_lead must be positive and below the credential TTL")
	}
	if c.Identity.MaxDelegationDepth <= 0 {
		return errors.New("identity.max_delegation_depth must be positive")
	}
	if c.Policy.EvalTimeout <= 0 {
		return errors.New("policy.eval_timeout must be positive")
	}
	if c.Policy.ApprovalTimeout <= 0 {
		return errors.New("policy.approval_timeout must be positive")
	}

	switch c.Audit.Storage {
	case AuditStorageMemory:
	case AuditStorageFile:
		if c.Audit.FilePath == "" {
			return errors.New("audit.file_path is required for file storage")
		}
	case AuditStoragePostgres:
		if c.Audit.DatabaseURL == "" {
			return errors.New("audit.database_url is required for postgres storage")
		}
	default:
		return fmt.Errorf("audit.storage %q is not one of memory, file, postgres", c.Audit.Storage)
	}

	if c.Trust.RevocationThreshold <= 0 || c.Trust.RevocationThreshold > 1000 {
		return fmt.Errorf("trust.revocation_threshold %d out of (0, 1000]", c.Trust.RevocationThreshold)
	}
	if c.Trust.DecayInterval <= 0 || c.Trust.DecayRate <= 0 || c.Trust.DecayFloor <= 0 {
		return errors.New("trust decay settings must be positive")
	}
	if len(c.Trust.DimensionWeights) > 0 {
		if err := c.Weights().Validate(); err != nil {
			return fmt.Errorf("trust.dimension_weights: %w", err)
		}
	}
	for dim, a := range c.Trust.DimensionAlpha {
		if a <= 0 || a > 1 {
			return fmt.Errorf("trust.dimension_alpha[%s] = %g out of (0, 1]", dim, a)
		}
	}
	return nil
}

// Weights converts the configured weight map to the trust engine's type,
// or the defaults when unset.
func (c *Config) Weights() trust.Weights {
	if len(c.Trust.DimensionWeights) == 0 {
		return trust.DefaultWeights()
	}
	w := make(trust.Weights, len(c.Trust.DimensionWeights))
	for dim, v := range c.Trust.DimensionWeights {
		w[trust.Dimension(dim)] = v
	}
	return w
}

// Alpha converts the configured alpha map to the trust engine's type.
func (c *Config) Alpha() map[trust.Dimension]float64 {
	if len(c.Trust.DimensionAlpha) == 0 {
		return nil
	}
	a := make(map[trust.Dimension]float64, len(c.Trust.DimensionAlpha))
	for dim, v := range c.Trust.DimensionAlpha {
		a[trust.Dimension(dim)] = v
	}
	return a
}
