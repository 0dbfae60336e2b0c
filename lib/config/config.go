// Package config loads and validates the router's on-disk configuration:
// the minimum external surface the core consumes (host, ports, v6 flag,
// floodfill flag, bandwidth class, key/data directory paths, explicit
// peers), read through viper with validated defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/go-i2p/go-i2p-router/lib/crypto"
)

// BandwidthClass is the single-letter capability flag a router advertises
// in its RouterInfo options.
type BandwidthClass byte

const (
	BandwidthLow      BandwidthClass = 'L'
	BandwidthMedium   BandwidthClass = 'M'
	BandwidthNormal   BandwidthClass = 'N'
	BandwidthOunce    BandwidthClass = 'O'
	BandwidthPound    BandwidthClass = 'P'
	BandwidthExtra    BandwidthClass = 'X'
)

func validBandwidthClass(c BandwidthClass) bool {
	switch c {
	case BandwidthLow, BandwidthMedium, BandwidthNormal, BandwidthOunce, BandwidthPound, BandwidthExtra:
		return true
	default:
		return false
	}
}

// Config is the minimum external configuration the core consumes.
// Everything else (HTTP/SOCKS proxies, I2PControl, address
// book, reseed, UPnP, logging sinks) is an external collaborator and
// configures itself.
type Config struct {
	// Host is the address advertised in our own RouterInfo.
	Host string

	// NTCPPort and SSUPort are the ports we bind and advertise for each
	// transport. A zero port disables that transport.
	NTCPPort int
	SSUPort  int

	// EnableIPv6 advertises an additional v6 address alongside Host when
	// set; SSU isolates v6 in its own service instance when configured.
	EnableIPv6 bool

	// Floodfill opts this router into the flood-fill store/lookup
	// protocol.
	Floodfill bool

	// Bandwidth selects the advertised capability letter, which in turn
	// governs the LowBandwidthLimit throttle.
	Bandwidth BandwidthClass

	// KeysFile is the path to router.keys.
	KeysFile string

	// DataDir is the root of persisted state: netDb/, router.info,
	// router.keys live under it unless overridden.
	DataDir string

	// ExplicitPeers, if non-empty, overrides NetDb hop selection for
	// every tunnel pool created by this process.
	ExplicitPeers []crypto.Hash

	// SigType selects the local identity's signing-key algorithm.
	SigType crypto.SigType
}

// ConfigError wraps a validation failure with the offending field.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Field, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// Default returns a Config with sensible defaults for every field.
func Default() *Config {
	return &Config{
		Host:      "0.0.0.0",
		NTCPPort:  12345,
		SSUPort:   12345,
		Bandwidth: BandwidthNormal,
		KeysFile:  "router.keys",
		DataDir:   ".",
		SigType:   crypto.SigEdDSA25519,
	}
}

// Validate checks field invariants, returning the first violation found
// as a *ConfigError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return &ConfigError{Field: "Host", Err: fmt.Errorf("must not be empty")}
	}
	if c.NTCPPort == 0 && c.SSUPort == 0 {
		return &ConfigError{Field: "NTCPPort/SSUPort", Err: fmt.Errorf("at least one transport must be enabled")}
	}
	for _, p := range []int{c.NTCPPort, c.SSUPort} {
		if p < 0 || p > 65535 {
			return &ConfigError{Field: "Port", Err: fmt.Errorf("out of range: %d", p)}
		}
	}
	if !validBandwidthClass(c.Bandwidth) {
		return &ConfigError{Field: "Bandwidth", Err: fmt.Errorf("unrecognized class %q", c.Bandwidth)}
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return &ConfigError{Field: "DataDir", Err: fmt.Errorf("must not be empty")}
	}
	if strings.TrimSpace(c.KeysFile) == "" {
		return &ConfigError{Field: "KeysFile", Err: fmt.Errorf("must not be empty")}
	}
	return nil
}

// Load reads router.config from dataDir (TOML, INI, or any format viper
// autodetects) over Default(), returning the merged, validated Config.
// A missing file is not an error: defaults apply as-is.
func Load(dataDir string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	v := viper.New()
	v.SetConfigName("router.config")
	v.AddConfigPath(dataDir)
	v.SetDefault("host", cfg.Host)
	v.SetDefault("ntcp_port", cfg.NTCPPort)
	v.SetDefault("ssu_port", cfg.SSUPort)
	v.SetDefault("ipv6", cfg.EnableIPv6)
	v.SetDefault("floodfill", cfg.Floodfill)
	v.SetDefault("bandwidth", string(cfg.Bandwidth))
	v.SetDefault("keys_file", cfg.KeysFile)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, &ConfigError{Field: "router.config", Err: err}
		}
	}

	cfg.Host = v.GetString("host")
	cfg.NTCPPort = v.GetInt("ntcp_port")
	cfg.SSUPort = v.GetInt("ssu_port")
	cfg.EnableIPv6 = v.GetBool("ipv6")
	cfg.Floodfill = v.GetBool("floodfill")
	if bw := v.GetString("bandwidth"); bw != "" {
		cfg.Bandwidth = BandwidthClass(strings.ToUpper(bw)[0])
	}
	if kf := v.GetString("keys_file"); kf != "" {
		cfg.KeysFile = kf
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Capabilities renders the "caps" RouterInfo option string for this
// config: bandwidth class plus floodfill flag.
func (c *Config) Capabilities() string {
	caps := string(c.Bandwidth)
	if c.Floodfill {
		caps += "f"
	}
	return caps
}
