package regtest

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/distribution/reference"
	"github.com/spf13/viper"
)

// ---------------------------------------------------------------
//  Node configuration
// ---------------------------------------------------------------

const redacted = "[REDACTED]"

// Secret holds a credential. It renders as [REDACTED] through fmt, JSON,
// text marshaling and zerolog; call Expose to get the value.
type Secret string

// Expose returns the wrapped value.
func (s Secret) Expose() string { return string(s) }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Network selects the chain the RPC client talks to. The container itself
// always runs with -regtest=1.
type Network string

const (
	NetworkRegtest Network = "regtest"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkMainnet Network = "mainnet"
)

// Params returns the btcd chain parameters for n. An empty network means regtest.
func (n Network) Params() (*chaincfg.Params, error) {
	switch strings.ToLower(string(n)) {
	case "", "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	default:
		return nil, errOther("unknown network %q", string(n))
	}
}

// RPCConfig carries the credentials the node is launched with. They are
// forwarded as -rpcuser/-rpcpassword and used to build RPC clients.
type RPCConfig struct {
	Username Secret  `mapstructure:"username"`
	Password Secret  `mapstructure:"password"`
	URL      Secret  `mapstructure:"url"`
	Wallet   string  `mapstructure:"wallet"`
	Network  Network `mapstructure:"network"`
}

// Config describes the container that hosts the node.
type Config struct {
	// ContainerName is unique within the docker daemon.
	ContainerName string `mapstructure:"container_name"`
	// Image is a repository:tag reference.
	Image string `mapstructure:"image"`
	// Digest optionally pins the image content, in sha256:<hex> form.
	Digest string    `mapstructure:"digest"`
	RPC    RPCConfig `mapstructure:"rpc"`
}

// DefaultConfig returns the stock regtest container configuration.
//
// Configuration details:
//   - Container: bitcoin-regtest
//   - Image: bitcoin/bitcoin:29.1, no pinned digest
//   - RPC: foo/rpcpassword on http://localhost:18443, wallet mywallet
func DefaultConfig() Config {
	return Config{
		ContainerName: "bitcoin-regtest",
		Image:         "bitcoin/bitcoin:29.1",
		RPC: RPCConfig{
			Username: "foo",
			Password: "rpcpassword",
			URL:      "http://localhost:18443",
			Wallet:   "mywallet",
			Network:  NetworkRegtest,
		},
	}
}

// Validate checks the fields New depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ContainerName) == "" {
		return errOther("container name is required")
	}
	if strings.TrimSpace(c.Image) == "" {
		return errOther("image is required")
	}
	if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
		return errConfig(err, "invalid image reference %q", c.Image)
	}
	if _, err := qualifyDigest(c.Image, c.Digest); err != nil {
		return err
	}
	if _, err := c.RPC.Network.Params(); err != nil {
		return err
	}
	if c.RPC.URL != "" {
		if _, err := url.Parse(c.RPC.URL.Expose()); err != nil {
			return errConfig(err, "invalid rpc url")
		}
	}
	return nil
}

// LoadConfig reads the node configuration from an optional file and
// REGTEST_* environment variables (e.g. REGTEST_RPC_PASSWORD). Unset keys
// fall back to DefaultConfig and DefaultFlags.
func LoadConfig(path string) (Config, Flags, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("regtest")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, Flags{}, errConfig(err, "failed to read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Flags{}, errConfig(err, "failed to decode config")
	}

	flags := Flags{
		MinRelayTxFee: v.GetFloat64("flags.min_relay_tx_fee"),
		BlockMinTxFee: v.GetFloat64("flags.block_min_tx_fee"),
		Debug:         v.GetUint("flags.debug"),
		FallbackFee:   v.GetFloat64("flags.fallback_fee"),
	}
	if v.IsSet("flags.max_mempool") {
		m := v.GetUint("flags.max_mempool")
		flags.MaxMempool = &m
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, Flags{}, err
	}
	if err := flags.Validate(); err != nil {
		return Config{}, Flags{}, err
	}
	return cfg, flags, nil
}

// setDefaults registers default values with v. Every key is registered so
// AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("container_name", defaults.ContainerName)
	v.SetDefault("image", defaults.Image)
	v.SetDefault("digest", defaults.Digest)
	v.SetDefault("rpc.username", defaults.RPC.Username.Expose())
	v.SetDefault("rpc.password", defaults.RPC.Password.Expose())
	v.SetDefault("rpc.url", defaults.RPC.URL.Expose())
	v.SetDefault("rpc.wallet", defaults.RPC.Wallet)
	v.SetDefault("rpc.network", string(defaults.RPC.Network))

	flags := DefaultFlags()
	v.SetDefault("flags.min_relay_tx_fee", flags.MinRelayTxFee)
	v.SetDefault("flags.block_min_tx_fee", flags.BlockMinTxFee)
	v.SetDefault("flags.debug", flags.Debug)
	v.SetDefault("flags.fallback_fee", flags.FallbackFee)
}

// ---------------------------------------------------------------
//  Package configuration
// ---------------------------------------------------------------

var (
	// configMutex guards customConfig.
	configMutex sync.RWMutex

	// customConfig overrides DefaultConfig for the package-level helpers.
	customConfig *Config
)

// GetConfig returns a copy of the configuration used by StartBitcoinRegtest.
func GetConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if customConfig == nil {
		return DefaultConfig()
	}
	return *customConfig
}

// SetConfig replaces the configuration used by the package-level helpers.
// A running package-level node keeps its old configuration until it is
// stopped.
func SetConfig(cfg Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	c := cfg
	customConfig = &c
}

// ResetConfig restores DefaultConfig for the package-level helpers.
func ResetConfig() {
	configMutex.Lock()
	defer configMutex.Unlock()

	customConfig = nil
}

func (c Config) String() string {
	return fmt.Sprintf("Config{ContainerName:%s Image:%s Digest:%s RPC:{Username:%s Password:%s URL:%s Wallet:%s Network:%s}}",
		c.ContainerName, c.Image, c.Digest, c.RPC.Username, c.RPC.Password, c.RPC.URL, c.RPC.Wallet, c.RPC.Network)
}
