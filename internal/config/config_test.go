package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const dest = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
web3:
  provider: http://node-a:8545
  destAddress: 0x70997970C51812dc3A010C7d01b50e0d17dc79C8
txs:
  durationMS: 60000
  intervalMS: 500
  batchSize: 25
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := load([]string{"-config", path}, envMap(nil))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Web3.Provider != "http://node-a:8545" {
		t.Errorf("provider = %q", cfg.Web3.Provider)
	}
	if cfg.Txs.DurationMS != 60000 || cfg.Txs.IntervalMS != 500 || cfg.Txs.BatchSize != 25 {
		t.Errorf("txs = %+v", cfg.Txs)
	}
	// untouched keys keep their defaults
	if cfg.Txs.ValueWei != DefaultValueWei || cfg.Output.ResultsPath != DefaultResultsPath {
		t.Errorf("defaults lost: value=%q results=%q", cfg.Txs.ValueWei, cfg.Output.ResultsPath)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	tests := []struct {
		name         string
		args         []string
		env          map[string]string
		wantProvider string
		wantBatch    int
		wantDuration int64
	}{
		{
			name:         "file only",
			args:         []string{"-config", path},
			wantProvider: "http://node-a:8545",
			wantBatch:    25,
			wantDuration: 60000,
		},
		{
			name:         "env over file",
			args:         []string{"-config", path},
			env:          map[string]string{"PROVIDER_URL": "http://node-b:8545", "BATCH_SIZE": "7"},
			wantProvider: "http://node-b:8545",
			wantBatch:    7,
			wantDuration: 60000,
		},
		{
			name:         "flag over env",
			args:         []string{"-config", path, "-provider", "http://node-c:8545", "-duration-ms", "5"},
			env:          map[string]string{"PROVIDER_URL": "http://node-b:8545", "DURATION_MS": "1000"},
			wantProvider: "http://node-c:8545",
			wantBatch:    25,
			wantDuration: 5,
		},
		{
			name:         "config path from env",
			env:          map[string]string{"CONFIG_PATH": path},
			wantProvider: "http://node-a:8545",
			wantBatch:    25,
			wantDuration: 60000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(tt.args, envMap(tt.env))
			if err != nil {
				t.Fatalf("load() error = %v", err)
			}
			if cfg.Web3.Provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", cfg.Web3.Provider, tt.wantProvider)
			}
			if cfg.Txs.BatchSize != tt.wantBatch {
				t.Errorf("batch size = %d, want %d", cfg.Txs.BatchSize, tt.wantBatch)
			}
			if cfg.Txs.DurationMS != tt.wantDuration {
				t.Errorf("duration = %d, want %d", cfg.Txs.DurationMS, tt.wantDuration)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yml")

	// an explicit path must exist
	if _, err := load([]string{"-config", missing}, envMap(nil)); err == nil {
		t.Error("expected error for missing explicit config file")
	}
	if _, err := load(nil, envMap(map[string]string{"CONFIG_PATH": missing})); err == nil {
		t.Error("expected error for missing CONFIG_PATH file")
	}

	// the default path may be absent
	t.Chdir(t.TempDir())
	cfg, err := load([]string{"-dest", dest}, envMap(nil))
	if err != nil {
		t.Fatalf("load() without config file error = %v", err)
	}
	if cfg.Web3.Provider != DefaultProvider {
		t.Errorf("provider = %q, want default", cfg.Web3.Provider)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		args []string
		env  map[string]string
		want string
	}{
		{name: "malformed yaml", body: "web3: [", want: "failed to parse config file"},
		{name: "bad env int", body: sampleYAML, env: map[string]string{"INTERVAL_MS": "soon"}, want: "invalid INTERVAL_MS"},
		{name: "unknown flag", body: sampleYAML, args: []string{"-tps", "5"}, want: "failed to parse flags"},
		{name: "invalid after merge", body: sampleYAML, args: []string{"-batch-size", "0"}, want: "batch size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			args := append([]string{"-config", path}, tt.args...)
			_, err := load(args, envMap(tt.env))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func validConfig() Config {
	cfg := *Default()
	cfg.Web3.DestAddress = dest
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero duration is allowed", mutate: func(c *Config) { c.Txs.DurationMS = 0 }},
		{name: "zero interval is allowed", mutate: func(c *Config) { c.Txs.IntervalMS = 0 }},
		{name: "zero value is allowed", mutate: func(c *Config) { c.Txs.ValueWei = "0" }},
		{name: "text log format", mutate: func(c *Config) { c.Log.Format = "text" }},
		{name: "missing provider", mutate: func(c *Config) { c.Web3.Provider = "" }, wantErr: true},
		{name: "missing destination", mutate: func(c *Config) { c.Web3.DestAddress = "" }, wantErr: true},
		{name: "bad destination", mutate: func(c *Config) { c.Web3.DestAddress = "0x1234" }, wantErr: true},
		{name: "bad from address", mutate: func(c *Config) { c.Web3.FromAddress = "alice" }, wantErr: true},
		{name: "negative duration", mutate: func(c *Config) { c.Txs.DurationMS = -1 }, wantErr: true},
		{name: "negative interval", mutate: func(c *Config) { c.Txs.IntervalMS = -1 }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.Txs.BatchSize = 0 }, wantErr: true},
		{name: "negative value", mutate: func(c *Config) { c.Txs.ValueWei = "-1" }, wantErr: true},
		{name: "non-numeric value", mutate: func(c *Config) { c.Txs.ValueWei = "1e18" }, wantErr: true},
		{name: "negative chain id", mutate: func(c *Config) { c.Web3.ChainID = -5 }, wantErr: true},
		{name: "negative tip", mutate: func(c *Config) { c.Web3.GasTipCap = -1 }, wantErr: true},
		{name: "missing results path", mutate: func(c *Config) { c.Output.ResultsPath = "" }, wantErr: true},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Txs.ValueWei = "1000000000000000000000000" // 10^24, beyond int64
	cfg.Web3.FromAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	cfg.Web3.ChainID = 31337
	cfg.Web3.GasTipCap = 2

	rc := cfg.Run()
	if rc.DestAddress != common.HexToAddress(dest) {
		t.Errorf("dest = %s", rc.DestAddress.Hex())
	}
	if rc.FromAddress != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Errorf("from = %s", rc.FromAddress.Hex())
	}
	if rc.ValueWei.String() != "1000000000000000000000000" {
		t.Errorf("value = %s", rc.ValueWei)
	}
	if rc.ChainID.Int64() != 31337 || rc.GasTipCap.Int64() != 2 {
		t.Errorf("chain id/tip = %s/%s", rc.ChainID, rc.GasTipCap)
	}

	// unset optional values stay nil so the chain client queries or defaults them
	bare := validConfig()
	rc = bare.Run()
	if rc.ChainID != nil || rc.GasTipCap != nil || rc.FromAddress != (common.Address{}) {
		t.Errorf("optional fields = %v %v %s, want unset", rc.ChainID, rc.GasTipCap, rc.FromAddress.Hex())
	}
}
