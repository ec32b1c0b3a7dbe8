package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/internal"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/service"
)

const (
	defaultNetwork   = "testnet"
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 3000
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".sponsor-relay" // prefixed with the user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the application configuration
type Config struct {
	Sponsor SponsorConfig
	Stacks  StacksConfig
	API     APIConfig
	Log     LogConfig
	Datadir string
}

// SponsorConfig holds the sponsor wallet configuration
type SponsorConfig struct {
	Mnemonic    string `mapstructure:"mnemonic"`
	PrivateKey  string `mapstructure:"privkey"`
	WalletCount int    `mapstructure:"wallets"`
}

// StacksConfig holds chain and indexer configuration
type StacksConfig struct {
	Network    string `mapstructure:"network"`
	HiroAPIKey string `mapstructure:"hirokey"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and
// defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("stacks.network", defaultNetwork)
	v.SetDefault("sponsor.wallets", 1)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	flag.StringP("sponsor.mnemonic", "m", "", "BIP-39 mnemonic of the sponsor wallets (required unless a private key is set)")
	flag.StringP("sponsor.privkey", "k", "", "hex private key of a single sponsor wallet")
	flag.IntP("sponsor.wallets", "w", 1, fmt.Sprintf("number of sponsor wallets to derive (1-%d)", service.MaxWallets))
	flag.StringP("stacks.network", "n", defaultNetwork, "stacks network (mainnet or testnet)")
	flag.String("stacks.hirokey", "", "Hiro API key for higher indexer rate limits")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sponsor-relay v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: sponsor-relay [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, RELAY_SPONSOR_MNEMONIC or RELAY_API_PORT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Testnet relay with a single derived wallet\n")
		fmt.Fprintf(os.Stderr, "  sponsor-relay --sponsor.mnemonic=\"...\"\n\n")
		fmt.Fprintf(os.Stderr, "  # Mainnet relay with four wallets and a Hiro key\n")
		fmt.Fprintf(os.Stderr, "  sponsor-relay -n mainnet -w 4 --sponsor.mnemonic=\"...\" --stacks.hirokey=...\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig fails fast on a configuration the relay cannot run with.
func validateConfig(cfg *Config) error {
	if cfg.Sponsor.Mnemonic == "" && cfg.Sponsor.PrivateKey == "" {
		return fmt.Errorf("a sponsor mnemonic or private key is required " +
			"(use --sponsor.mnemonic or RELAY_SPONSOR_MNEMONIC)")
	}
	if cfg.Sponsor.WalletCount < 1 || cfg.Sponsor.WalletCount > service.MaxWallets {
		return fmt.Errorf("sponsor wallet count must be between 1 and %d, got %d",
			service.MaxWallets, cfg.Sponsor.WalletCount)
	}
	if _, err := config.NetworkByName(cfg.Stacks.Network); err != nil {
		return err
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", cfg.API.Port)
	}
	return nil
}
