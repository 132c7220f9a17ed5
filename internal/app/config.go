package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

// Protocol selects the replication protocol run by a replica.
type Protocol string

// Supported protocols.
const (
	ProtocolHotStuff Protocol = "hotstuff"
	ProtocolPBFT     Protocol = "pbft"
)

// Application selects the replicated state machine.
type Application string

// Supported applications.
const (
	ApplicationKV   Application = "kv"
	ApplicationEcho Application = "echo"
)

// CryptoScheme selects how messages are signed.
type CryptoScheme string

// Supported signature schemes.
const (
	CryptoEd25519 CryptoScheme = "ed25519"
	CryptoHMAC    CryptoScheme = "hmac"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// config file. Environment variables override file values.
const ConfigFileEnv = "APP_CONFIG_FILE"

// Config contains runtime settings for replica and client processes.
type Config struct {
	ReplicaIndex int
	ClientID     uint64
	Protocol     Protocol
	Application  Application
	LogLevel     string

	// ListenAddr is this process's gRPC address. For a replica it must
	// equal Replicas[ReplicaIndex].
	ListenAddr string
	Replicas   []string
	F          int

	// Workers sizes the pipeline worker pool. Zero runs everything inline
	// on the delivering goroutine.
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration

	CryptoScheme CryptoScheme
	KeysFile     string
	HMACSecret   string

	MetricsAddr        string
	PprofAddr          string
	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
	TracingSampleRatio float64
}

// DefaultConfig returns a single-machine four-replica configuration.
func DefaultConfig() Config {
	return Config{
		ReplicaIndex: 0,
		ClientID:     1,
		Protocol:     ProtocolHotStuff,
		Application:  ApplicationKV,
		LogLevel:     "info",
		ListenAddr:   "127.0.0.1:9000",
		Replicas: []string{
			"127.0.0.1:9000",
			"127.0.0.1:9001",
			"127.0.0.1:9002",
			"127.0.0.1:9003",
		},
		F:                  1,
		Workers:            4,
		BatchSize:          16,
		BatchTimeout:       5 * time.Millisecond,
		CryptoScheme:       CryptoEd25519,
		KeysFile:           "./var/keys.yaml",
		TracingEndpoint:    "localhost:4317",
		TracingServiceName: "bft-lab",
		TracingSampleRatio: 1,
	}
}

// LoadConfig loads config from APP_* environment variables and, if
// APP_CONFIG_FILE is set, from that YAML file.
//
// Supported keys (env form in parentheses):
//   - replica_index (APP_REPLICA_INDEX)
//   - client_id (APP_CLIENT_ID)
//   - protocol (APP_PROTOCOL): hotstuff|pbft
//   - application (APP_APPLICATION): kv|echo
//   - log_level (APP_LOG_LEVEL): debug|info|warn|error
//   - listen_addr (APP_LISTEN_ADDR)
//   - replicas (APP_REPLICAS): comma-separated host:port in replica order
//   - f (APP_F)
//   - workers, batch_size, batch_timeout
//   - crypto_scheme (ed25519|hmac), keys_file, hmac_secret
//   - metrics_addr, pprof_addr
//   - tracing_enabled, tracing_endpoint, tracing_service_name, tracing_sample_ratio
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv(ConfigFileEnv))
}

func loadConfig(file string) (Config, error) {
	def := DefaultConfig()
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()

	v.SetDefault("replica_index", def.ReplicaIndex)
	v.SetDefault("client_id", def.ClientID)
	v.SetDefault("protocol", string(def.Protocol))
	v.SetDefault("application", string(def.Application))
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("replicas", strings.Join(def.Replicas, ","))
	v.SetDefault("f", def.F)
	v.SetDefault("workers", def.Workers)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("batch_timeout", def.BatchTimeout)
	v.SetDefault("crypto_scheme", string(def.CryptoScheme))
	v.SetDefault("keys_file", def.KeysFile)
	v.SetDefault("hmac_secret", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("pprof_addr", "")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("tracing_endpoint", def.TracingEndpoint)
	v.SetDefault("tracing_service_name", def.TracingServiceName)
	v.SetDefault("tracing_sample_ratio", def.TracingSampleRatio)

	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("app: read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		ReplicaIndex:       v.GetInt("replica_index"),
		ClientID:           v.GetUint64("client_id"),
		Protocol:           Protocol(strings.ToLower(v.GetString("protocol"))),
		Application:        Application(strings.ToLower(v.GetString("application"))),
		LogLevel:           strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		ListenAddr:         strings.TrimSpace(v.GetString("listen_addr")),
		Replicas:           stringList(v.Get("replicas")),
		F:                  v.GetInt("f"),
		Workers:            v.GetInt("workers"),
		BatchSize:          v.GetInt("batch_size"),
		BatchTimeout:       v.GetDuration("batch_timeout"),
		CryptoScheme:       CryptoScheme(strings.ToLower(v.GetString("crypto_scheme"))),
		KeysFile:           strings.TrimSpace(v.GetString("keys_file")),
		HMACSecret:         v.GetString("hmac_secret"),
		MetricsAddr:        strings.TrimSpace(v.GetString("metrics_addr")),
		PprofAddr:          strings.TrimSpace(v.GetString("pprof_addr")),
		TracingEnabled:     v.GetBool("tracing_enabled"),
		TracingEndpoint:    strings.TrimSpace(v.GetString("tracing_endpoint")),
		TracingServiceName: strings.TrimSpace(v.GetString("tracing_service_name")),
		TracingSampleRatio: v.GetFloat64("tracing_sample_ratio"),
	}
	if err := cfg.ValidateCluster(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateCluster checks the settings shared by replicas and clients.
func (c Config) ValidateCluster() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if _, err := c.ConsensusConfig(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	switch c.CryptoScheme {
	case CryptoEd25519:
		if c.KeysFile == "" {
			return errors.New("app: keys file is required for ed25519")
		}
	case CryptoHMAC:
		if c.HMACSecret == "" {
			return errors.New("app: hmac secret is required for hmac")
		}
	default:
		return fmt.Errorf("app: unsupported crypto scheme %q", c.CryptoScheme)
	}
	if c.TracingEnabled && c.TracingEndpoint == "" {
		return errors.New("app: tracing endpoint is required when tracing is enabled")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("app: tracing sample ratio %v outside [0,1]", c.TracingSampleRatio)
	}
	return nil
}

// Validate checks that a replica process can start with c.
func (c Config) Validate() error {
	if err := c.ValidateCluster(); err != nil {
		return err
	}
	switch c.Protocol {
	case ProtocolHotStuff, ProtocolPBFT:
	default:
		return fmt.Errorf("app: unsupported protocol %q", c.Protocol)
	}
	switch c.Application {
	case ApplicationKV, ApplicationEcho:
	default:
		return fmt.Errorf("app: unsupported application %q", c.Application)
	}
	if c.ReplicaIndex < 0 || c.ReplicaIndex >= len(c.Replicas) {
		return fmt.Errorf("app: replica index %d out of range [0,%d)", c.ReplicaIndex, len(c.Replicas))
	}
	if c.ListenAddr == "" {
		return errors.New("app: listen addr is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("app: negative worker count %d", c.Workers)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("app: batch size must be positive, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("app: batch timeout must be positive, got %s", c.BatchTimeout)
	}
	return nil
}

// ConsensusConfig returns the validated cluster membership.
func (c Config) ConsensusConfig() (consensus.Config, error) {
	addrs := make([]consensus.Address, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		addrs = append(addrs, consensus.Address(r))
	}
	return consensus.NewConfig(addrs, c.F)
}

// ReplicaAddress returns this replica's transport address.
func (c Config) ReplicaAddress() consensus.Address {
	return consensus.Address(c.Replicas[c.ReplicaIndex])
}

// stringList accepts either a comma-separated string (env form) or a YAML
// sequence.
func stringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return splitCSV(v)
	case []string:
		return splitCSV(strings.Join(v, ","))
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return splitCSV(strings.Join(parts, ","))
	default:
		return nil
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
