package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/najuna-brian/medipact-sub000/internal/domain/grant"
	"github.com/najuna-brian/medipact-sub000/internal/platform/keys"
)

// Grant store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Tenant directory backends.
const (
	DirectoryDatabase = "database"
	DirectoryStatic   = "static"
)

// Master secret sources.
const (
	SecretFromEnv   = "env"
	SecretFromVault = "vault"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	GrantStore string `mapstructure:"GRANT_STORE"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	TenantDirectory    string   `mapstructure:"TENANT_DIRECTORY"`
	DirectoryHospitals []string `mapstructure:"DIRECTORY_HOSPITALS"`
	DirectoryPatients  []string `mapstructure:"DIRECTORY_PATIENTS"`

	MasterSecret         string `mapstructure:"MEDIPACT_MASTER_SECRET"`
	MasterSecretSource   string `mapstructure:"MASTER_SECRET_SOURCE"`
	AllowDevMasterSecret bool   `mapstructure:"ALLOW_DEV_MASTER_SECRET"`
	VaultAddr            string `mapstructure:"VAULT_ADDR"`
	VaultToken           string `mapstructure:"VAULT_TOKEN"`
	VaultNamespace       string `mapstructure:"VAULT_NAMESPACE"`
	VaultSecretPath      string `mapstructure:"VAULT_SECRET_PATH"`
	VaultSecretField     string `mapstructure:"VAULT_SECRET_FIELD"`

	KDFMemoryKiB   uint32 `mapstructure:"KDF_MEMORY_KIB"`
	KDFIterations  uint32 `mapstructure:"KDF_ITERATIONS"`
	KDFParallelism uint8  `mapstructure:"KDF_PARALLELISM"`

	FieldPolicyFile string `mapstructure:"FIELD_POLICY_FILE"`

	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL"`
	GrantClockSkew  time.Duration `mapstructure:"GRANT_CLOCK_SKEW"`
	ExpireBatchSize int           `mapstructure:"EXPIRE_BATCH_SIZE"`

	AuditChain bool `mapstructure:"AUDIT_CHAIN"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"GRANT_STORE", "SQLITE_PATH",
	"TENANT_DIRECTORY", "DIRECTORY_HOSPITALS", "DIRECTORY_PATIENTS",
	"MEDIPACT_MASTER_SECRET", "MASTER_SECRET_SOURCE", "ALLOW_DEV_MASTER_SECRET",
	"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE", "VAULT_SECRET_PATH", "VAULT_SECRET_FIELD",
	"KDF_MEMORY_KIB", "KDF_ITERATIONS", "KDF_PARALLELISM",
	"FIELD_POLICY_FILE",
	"SWEEP_INTERVAL", "GRANT_CLOCK_SKEW", "EXPIRE_BATCH_SIZE",
	"AUDIT_CHAIN",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "JWT_SIGNING_KEY",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory when one exists.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. Environment variables take
// precedence over the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	kdf := keys.DefaultKDFParams()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("GRANT_STORE", StorePostgres)
	v.SetDefault("SQLITE_PATH", "medipact.db")
	v.SetDefault("TENANT_DIRECTORY", DirectoryDatabase)
	v.SetDefault("MASTER_SECRET_SOURCE", SecretFromEnv)
	v.SetDefault("ALLOW_DEV_MASTER_SECRET", false)
	v.SetDefault("VAULT_SECRET_FIELD", "master_secret")
	v.SetDefault("KDF_MEMORY_KIB", kdf.Memory)
	v.SetDefault("KDF_ITERATIONS", kdf.Iterations)
	v.SetDefault("KDF_PARALLELISM", kdf.Parallelism)
	v.SetDefault("SWEEP_INTERVAL", "2m")
	v.SetDefault("GRANT_CLOCK_SKEW", "0s")
	v.SetDefault("EXPIRE_BATCH_SIZE", 500)
	v.SetDefault("AUDIT_CHAIN", true)
	v.SetDefault("AUTH_ISSUER", "medipact")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading the dotenv file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma lists are split here so entries can carry surrounding spaces.
	cfg.DirectoryHospitals = splitList(v.GetString("DIRECTORY_HOSPITALS"))
	cfg.DirectoryPatients = splitList(v.GetString("DIRECTORY_PATIENTS"))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the process is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KDFParams returns the Argon2id cost parameters.
func (c *Config) KDFParams() keys.KDFParams {
	return keys.KDFParams{
		Memory:      c.KDFMemoryKiB,
		Iterations:  c.KDFIterations,
		Parallelism: c.KDFParallelism,
	}
}

// SecretLoadOptions returns the master secret load options. The development
// fallback is never offered in production, whatever ALLOW_DEV_MASTER_SECRET
// says.
func (c *Config) SecretLoadOptions() keys.LoadOptions {
	return keys.LoadOptions{AllowDevFallback: c.AllowDevMasterSecret && !c.IsProduction()}
}

// SecretSource builds the configured master secret source.
func (c *Config) SecretSource() (keys.Source, error) {
	switch c.MasterSecretSource {
	case SecretFromVault:
		return keys.NewVaultSource(keys.VaultConfig{
			Address:   c.VaultAddr,
			Token:     c.VaultToken,
			Namespace: c.VaultNamespace,
			Path:      c.VaultSecretPath,
			Field:     c.VaultSecretField,
		})
	case SecretFromEnv, "":
		return keys.EnvSource{Value: c.MasterSecret}, nil
	default:
		return nil, fmt.Errorf("%w: unknown MASTER_SECRET_SOURCE %q", keys.ErrConfiguration, c.MasterSecretSource)
	}
}

// GrantConfig returns the grant engine settings.
func (c *Config) GrantConfig() grant.Config {
	return grant.Config{
		ClockSkew:       c.GrantClockSkew,
		ExpireBatchSize: c.ExpireBatchSize,
	}
}

// Validate checks that the configuration is safe to run. Failures wrap
// keys.ErrConfiguration so startup can report them as configuration errors.
func (c *Config) Validate() error {
	switch c.GrantStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return configErr("DATABASE_URL is required when GRANT_STORE is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return configErr("SQLITE_PATH is required when GRANT_STORE is %q", StoreSQLite)
		}
		if c.IsProduction() {
			return configErr("GRANT_STORE=%s is for development and single-node testing only", StoreSQLite)
		}
	default:
		return configErr("GRANT_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, c.GrantStore)
	}

	switch c.TenantDirectory {
	case DirectoryDatabase:
	case DirectoryStatic:
		if c.IsProduction() {
			return configErr("TENANT_DIRECTORY=%s is for development only", DirectoryStatic)
		}
	default:
		return configErr("TENANT_DIRECTORY must be %q or %q, got %q", DirectoryDatabase, DirectoryStatic, c.TenantDirectory)
	}

	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return configErr("DB_MIN_CONNS/DB_MAX_CONNS out of range (%d/%d)", c.DBMinConns, c.DBMaxConns)
	}

	// Master secret validation
	if c.IsProduction() && c.AllowDevMasterSecret {
		return configErr("ALLOW_DEV_MASTER_SECRET must not be set in production")
	}
	switch c.MasterSecretSource {
	case SecretFromEnv:
		if c.MasterSecret == "" && c.IsProduction() {
			return configErr("MEDIPACT_MASTER_SECRET is required in production")
		}
		if c.MasterSecret != "" {
			if _, err := keys.ParseMasterSecret(c.MasterSecret); err != nil {
				return fmt.Errorf("MEDIPACT_MASTER_SECRET: %w", err)
			}
		}
	case SecretFromVault:
		if c.VaultAddr == "" || c.VaultSecretPath == "" {
			return configErr("VAULT_ADDR and VAULT_SECRET_PATH are required when MASTER_SECRET_SOURCE is %q", SecretFromVault)
		}
	default:
		return configErr("MASTER_SECRET_SOURCE must be %q or %q, got %q", SecretFromEnv, SecretFromVault, c.MasterSecretSource)
	}

	if err := c.KDFParams().Validate(); err != nil {
		return err
	}

	if c.SweepInterval < time.Second {
		return configErr("SWEEP_INTERVAL must be at least 1s, got %s", c.SweepInterval)
	}
	if c.GrantClockSkew < 0 || c.GrantClockSkew > grant.MaxClockSkew {
		return configErr("GRANT_CLOCK_SKEW must be within [0, %s], got %s", grant.MaxClockSkew, c.GrantClockSkew)
	}
	if c.ExpireBatchSize < 1 {
		return configErr("EXPIRE_BATCH_SIZE must be positive, got %d", c.ExpireBatchSize)
	}

	// JWT validation: the operator endpoints verify HS256 tokens.
	if c.IsProduction() && len(c.JWTSigningKey) < 32 {
		return configErr("JWT_SIGNING_KEY of at least 32 bytes is required in production")
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{keys.ErrConfiguration}, args...)...)
}
