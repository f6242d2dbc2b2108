package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	HTTP             HTTPConfig             `mapstructure:"http"`
	Logging          LoggingConfig          `mapstructure:"logging"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Redis            RedisConfig            `mapstructure:"redis"`
	JWT              JWTConfig              `mapstructure:"jwt"`
	Chain            ChainConfig            `mapstructure:"chain"`
	Oracle           OracleConfig           `mapstructure:"oracle"`
	CompreFace       CompreFaceConfig       `mapstructure:"compreface"`
	EmbeddingService EmbeddingServiceConfig `mapstructure:"embedding_service"`
	RabbitMQ         RabbitMQConfig         `mapstructure:"rabbitmq"`
	Identity         IdentityConfig         `mapstructure:"identity"`
}

type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig enables the audit log when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the outcome cache when Addr is set.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Audience string `mapstructure:"audience"`
}

type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	SignerKey        string `mapstructure:"signer_key"`
	ValidatorAddress string `mapstructure:"validator_address"`
}

type OracleConfig struct {
	ContractAddress     string        `mapstructure:"contract_address"`
	SubscriptionID      uint64        `mapstructure:"subscription_id"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts     int           `mapstructure:"max_poll_attempts"`
	MatchThreshold      float64       `mapstructure:"match_threshold"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	KeyedResults        bool          `mapstructure:"keyed_results"`
	ReceiptInterval     time.Duration `mapstructure:"receipt_interval"`
}

// PollBudget is the longest a job may spend polling after confirmation.
func (o OracleConfig) PollBudget() time.Duration {
	return o.PollInterval * time.Duration(o.MaxPollAttempts)
}

type CompreFaceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmbeddingServiceConfig selects the gRPC embedding source over CompreFace when Addr is set.
type EmbeddingServiceConfig struct {
	Addr string `mapstructure:"addr"`
}

// RabbitMQConfig enables outcome events when URL is set.
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type IdentityConfig struct {
	DirectoryFile string `mapstructure:"directory_file"`
}

// Load reads config.yaml from ./config or the working directory, or from
// path when given, and applies environment overrides such as
// ORACLE_CONTRACT_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Every key gets a default so AutomaticEnv can override it. Credentials
// default to empty.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("redis.addr", "")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.audience", "")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.signer_key", "")
	v.SetDefault("chain.validator_address", "")

	v.SetDefault("oracle.contract_address", "")
	v.SetDefault("oracle.subscription_id", 0)
	v.SetDefault("oracle.poll_interval", "2s")
	v.SetDefault("oracle.max_poll_attempts", 45)
	v.SetDefault("oracle.match_threshold", 0.7)
	v.SetDefault("oracle.confirmation_timeout", "2m")
	v.SetDefault("oracle.keyed_results", false)
	v.SetDefault("oracle.receipt_interval", "1s")

	v.SetDefault("compreface.base_url", "")
	v.SetDefault("compreface.api_key", "")
	v.SetDefault("compreface.timeout", "30s")

	v.SetDefault("embedding_service.addr", "")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "biowallet")
	v.SetDefault("rabbitmq.routing_key", "verification.completed")

	v.SetDefault("identity.directory_file", "")
}

// Validate checks the settings every entry point needs: the oracle protocol
// parameters and a readable chain.
func (c *Config) Validate() error {
	if c.Oracle.PollInterval <= 0 {
		return fmt.Errorf("oracle.poll_interval must be positive, got %s", c.Oracle.PollInterval)
	}
	if c.Oracle.MaxPollAttempts <= 0 {
		return fmt.Errorf("oracle.max_poll_attempts must be positive, got %d", c.Oracle.MaxPollAttempts)
	}
	if c.Oracle.MatchThreshold <= 0 || c.Oracle.MatchThreshold > 1 {
		return fmt.Errorf("oracle.match_threshold must be in (0, 1], got %v", c.Oracle.MatchThreshold)
	}
	if c.Oracle.ConfirmationTimeout <= 0 {
		return fmt.Errorf("oracle.confirmation_timeout must be positive, got %s", c.Oracle.ConfirmationTimeout)
	}
	if c.Oracle.ReceiptInterval <= 0 {
		return fmt.Errorf("oracle.receipt_interval must be positive, got %s", c.Oracle.ReceiptInterval)
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return errors.New("chain.rpc_url is required")
	}
	if !common.IsHexAddress(c.Chain.ValidatorAddress) {
		return fmt.Errorf("chain.validator_address is not a hex address: %q", c.Chain.ValidatorAddress)
	}
	return nil
}

// RequireOracle checks the settings needed to submit verification requests.
func (c *Config) RequireOracle() error {
	if !common.IsHexAddress(c.Oracle.ContractAddress) {
		return fmt.Errorf("oracle.contract_address is not a hex address: %q", c.Oracle.ContractAddress)
	}
	if strings.TrimSpace(c.Chain.SignerKey) == "" {
		return errors.New("chain.signer_key is required to submit requests")
	}
	return nil
}

// ValidateServer checks everything the HTTP service needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.RequireOracle(); err != nil {
		return err
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("jwt.secret is required")
	}
	return nil
}
