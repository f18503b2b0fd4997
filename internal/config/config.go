// Package config handles configuration loading and validation.
//
// Sources, lowest precedence first: built-in defaults, the YAML config file,
// environment variables, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config mirrors the config.yml layout.
type Config struct {
	Web3   Web3Config   `yaml:"web3"`
	Txs    TxsConfig    `yaml:"txs"`
	Output OutputConfig `yaml:"output"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// Web3Config selects the endpoint and the accounts involved.
type Web3Config struct {
	Provider    string `yaml:"provider"`
	DestAddress string `yaml:"destAddress"`
	FromAddress string `yaml:"fromAddress"` // node-managed source; empty = eth_accounts[0]
	PrivateKey  string `yaml:"privateKey"`  // enables local signing
	ChainID     int64  `yaml:"chainId"`     // 0 = ask the node
	LegacyTx    bool   `yaml:"legacyTx"`
	GasLimit    uint64 `yaml:"gasLimit"`  // 0 = node default / 21000 when signing locally
	GasTipCap   int64  `yaml:"gasTipCap"` // wei, 0 = 1 gwei
}

// TxsConfig shapes the load.
type TxsConfig struct {
	DurationMS int64  `yaml:"durationMS"`
	IntervalMS int64  `yaml:"intervalMS"`
	BatchSize  int    `yaml:"batchSize"`
	ValueWei   string `yaml:"valueWei"` // decimal, arbitrary precision
}

// OutputConfig selects where the report goes.
type OutputConfig struct {
	ResultsPath  string `yaml:"resultsPath"`
	DatabasePath string `yaml:"databasePath"` // empty disables the run history store
}

// ServerConfig enables the live status server.
type ServerConfig struct {
	ListenAddr  string `yaml:"listenAddr"`  // empty disables the server
	CORSOrigins string `yaml:"corsOrigins"` // comma-separated; empty allows all
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// RunConfig is the validated, typed view of the settings one run needs.
type RunConfig struct {
	ProviderURL string
	DestAddress common.Address
	FromAddress common.Address
	PrivateKey  string
	DurationMS  int64
	IntervalMS  int64
	BatchSize   int
	ValueWei    *big.Int
	ChainID     *big.Int
	GasLimit    uint64
	GasTipCap   *big.Int
	LegacyTx    bool
}

// Defaults
const (
	DefaultConfigPath  = "./config.yml"
	DefaultProvider    = "http://localhost:8545"
	DefaultDurationMS  = 10000
	DefaultIntervalMS  = 1000
	DefaultBatchSize   = 10
	DefaultValueWei    = "1"
	DefaultResultsPath = "./results.json"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Web3: Web3Config{
			Provider: DefaultProvider,
		},
		Txs: TxsConfig{
			DurationMS: DefaultDurationMS,
			IntervalMS: DefaultIntervalMS,
			BatchSize:  DefaultBatchSize,
			ValueWei:   DefaultValueWei,
		},
		Output: OutputConfig{
			ResultsPath: DefaultResultsPath,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load builds the configuration from defaults, the YAML file, the environment
// and args (without the program name). The result is validated.
func Load(args []string) (*Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	flags := flag.NewFlagSet("batchload", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	configPath := flags.String("config", "", "Path to the YAML config file (default ./config.yml)")

	// Register the remaining flags against a scratch config first so the
	// config path can be read before the file is loaded.
	var scratch Config
	registerFlags(flags, &scratch)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := Default()

	path, explicit := *configPath, *configPath != ""
	if !explicit {
		if v, ok := lookupEnv("CONFIG_PATH"); ok && v != "" {
			path, explicit = v, true
		} else {
			path = DefaultConfigPath
		}
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	// Flags win: re-parse against the merged config so unset flags keep its values.
	final := flag.NewFlagSet("batchload", flag.ContinueOnError)
	final.SetOutput(io.Discard)
	final.String("config", "", "")
	registerFlags(final, cfg)
	if err := final.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PrintUsage writes the flag reference to w.
func PrintUsage(w io.Writer) {
	flags := flag.NewFlagSet("batchload", flag.ContinueOnError)
	flags.SetOutput(w)
	flags.String("config", "", "Path to the YAML config file (default ./config.yml)")
	registerFlags(flags, Default())
	fmt.Fprintln(w, "Usage of batchload:")
	flags.PrintDefaults()
}

func registerFlags(flags *flag.FlagSet, cfg *Config) {
	flags.StringVar(&cfg.Web3.Provider, "provider", cfg.Web3.Provider, "JSON-RPC endpoint URL")
	flags.StringVar(&cfg.Web3.DestAddress, "dest", cfg.Web3.DestAddress, "Destination address")
	flags.StringVar(&cfg.Web3.FromAddress, "from", cfg.Web3.FromAddress, "Node-managed source address (default eth_accounts[0])")
	flags.StringVar(&cfg.Web3.PrivateKey, "private-key", cfg.Web3.PrivateKey, "Hex private key; enables local signing")
	flags.Int64Var(&cfg.Web3.ChainID, "chainid", cfg.Web3.ChainID, "Chain ID for local signing (0=query node)")
	flags.BoolVar(&cfg.Web3.LegacyTx, "legacy", cfg.Web3.LegacyTx, "Sign legacy instead of EIP-1559 transactions")
	flags.Uint64Var(&cfg.Web3.GasLimit, "gaslimit", cfg.Web3.GasLimit, "Gas limit per transfer (0=default)")
	flags.Int64Var(&cfg.Web3.GasTipCap, "gastipcap", cfg.Web3.GasTipCap, "EIP-1559 priority fee in wei (0=1 gwei)")
	flags.Int64Var(&cfg.Txs.DurationMS, "duration-ms", cfg.Txs.DurationMS, "Run duration in milliseconds")
	flags.Int64Var(&cfg.Txs.IntervalMS, "interval-ms", cfg.Txs.IntervalMS, "Target batch interval in milliseconds")
	flags.IntVar(&cfg.Txs.BatchSize, "batch-size", cfg.Txs.BatchSize, "Transfers per batch")
	flags.StringVar(&cfg.Txs.ValueWei, "value-wei", cfg.Txs.ValueWei, "Wei transferred per transaction")
	flags.StringVar(&cfg.Output.ResultsPath, "results", cfg.Output.ResultsPath, "Results JSON path")
	flags.StringVar(&cfg.Output.DatabasePath, "database", cfg.Output.DatabasePath, "SQLite run history path (empty=disabled)")
	flags.StringVar(&cfg.Server.ListenAddr, "listen", cfg.Server.ListenAddr, "Status server listen address (empty=disabled)")
	flags.StringVar(&cfg.Server.CORSOrigins, "cors-origins", cfg.Server.CORSOrigins, "Allowed CORS origins, comma-separated (empty=all)")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (json, text)")
}

// loadFile merges the YAML file at path into c. A missing file is an error
// only when the path was given explicitly.
func (c *Config) loadFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("PROVIDER_URL", &c.Web3.Provider)
	str("DEST_ADDRESS", &c.Web3.DestAddress)
	str("FROM_ADDRESS", &c.Web3.FromAddress)
	str("PRIVATE_KEY", &c.Web3.PrivateKey)
	str("RESULTS_PATH", &c.Output.ResultsPath)
	str("DATABASE_PATH", &c.Output.DatabasePath)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("CORS_ALLOWED_ORIGINS", &c.Server.CORSOrigins)
	str("LOG_LEVEL", &c.Log.Level)

	ints := []struct {
		key string
		dst *int64
	}{
		{"DURATION_MS", &c.Txs.DurationMS},
		{"INTERVAL_MS", &c.Txs.IntervalMS},
	}
	for _, e := range ints {
		if v, ok := lookupEnv(e.key); ok && v != "" {
			n, err := parseInt64Env(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
			}
			*e.dst = n
		}
	}
	if v, ok := lookupEnv("BATCH_SIZE"); ok && v != "" {
		n, err := parseIntEnv(v)
		if err != nil {
			return fmt.Errorf("invalid BATCH_SIZE %q: %w", v, err)
		}
		c.Txs.BatchSize = n
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Web3.Provider == "" {
		return fmt.Errorf("provider URL is required")
	}
	if c.Web3.DestAddress == "" {
		return fmt.Errorf("destination address is required")
	}
	if !common.IsHexAddress(c.Web3.DestAddress) {
		return fmt.Errorf("invalid destination address: %s", c.Web3.DestAddress)
	}
	if c.Web3.FromAddress != "" && !common.IsHexAddress(c.Web3.FromAddress) {
		return fmt.Errorf("invalid from address: %s", c.Web3.FromAddress)
	}
	if c.Web3.ChainID < 0 {
		return fmt.Errorf("chain ID cannot be negative")
	}
	if c.Web3.GasTipCap < 0 {
		return fmt.Errorf("gas tip cap cannot be negative")
	}
	if c.Txs.DurationMS < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if c.Txs.IntervalMS < 0 {
		return fmt.Errorf("interval cannot be negative")
	}
	if c.Txs.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if v, ok := new(big.Int).SetString(c.Txs.ValueWei, 10); !ok || v.Sign() < 0 {
		return fmt.Errorf("value must be a non-negative decimal integer: %q", c.Txs.ValueWei)
	}
	if c.Output.ResultsPath == "" {
		return fmt.Errorf("results path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (supported: json, text)", c.Log.Format)
	}
	return nil
}

// Run returns the typed settings for the load driver and chain client.
// Call only on a validated config.
func (c *Config) Run() RunConfig {
	value, _ := new(big.Int).SetString(c.Txs.ValueWei, 10)

	rc := RunConfig{
		ProviderURL: c.Web3.Provider,
		DestAddress: common.HexToAddress(c.Web3.DestAddress),
		PrivateKey:  c.Web3.PrivateKey,
		DurationMS:  c.Txs.DurationMS,
		IntervalMS:  c.Txs.IntervalMS,
		BatchSize:   c.Txs.BatchSize,
		ValueWei:    value,
		GasLimit:    c.Web3.GasLimit,
		LegacyTx:    c.Web3.LegacyTx,
	}
	if c.Web3.FromAddress != "" {
		rc.FromAddress = common.HexToAddress(c.Web3.FromAddress)
	}
	if c.Web3.ChainID > 0 {
		rc.ChainID = big.NewInt(c.Web3.ChainID)
	}
	if c.Web3.GasTipCap > 0 {
		rc.GasTipCap = big.NewInt(c.Web3.GasTipCap)
	}
	return rc
}

// parseIntEnv parses a string environment variable as an integer.
func parseIntEnv(s string) (int, error) {
	return strconv.Atoi(s)
}

// parseInt64Env parses a string environment variable as an int64.
func parseInt64Env(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
