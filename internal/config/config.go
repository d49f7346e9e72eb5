// Package config loads server configuration from file and environment via
// viper. Environment variables override file values; every key has a
// default so the server runs with no config at all.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved server configuration.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	AdminAddress string
	ProtocolDest string

	// Fee split in whole percents of the base price.
	ProtocolFeePct int64
	HoldersFeePct  int64
	SubjectFeePct  int64

	// Curve policy constants.
	CurveUnitPrice string
	CurveScale     int64
	CurveShift     int64

	// Signing domain for deployment requests.
	DomainName    string
	DomainVersion string
	DomainChainID uint64
}

// Load reads configuration with viper: defaults, then an optional
// config.yaml in the working directory, then SHARES_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("admin_address", "admin")
	v.SetDefault("protocol_destination", "treasury")
	v.SetDefault("protocol_fee_pct", int64(5))
	v.SetDefault("holders_fee_pct", int64(5))
	v.SetDefault("subject_fee_pct", int64(5))
	v.SetDefault("curve_unit_price", "1000000000000000000")
	v.SetDefault("curve_scale", int64(16000))
	v.SetDefault("curve_shift", int64(1))
	v.SetDefault("domain_name", "shares-factory")
	v.SetDefault("domain_version", "1")
	v.SetDefault("domain_chain_id", uint64(1))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix("SHARES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		Port:           v.GetString("port"),
		DatabaseURL:    v.GetString("database_url"),
		RedisURL:       v.GetString("redis_url"),
		CacheTTL:       v.GetDuration("cache_ttl"),
		AdminAddress:   v.GetString("admin_address"),
		ProtocolDest:   v.GetString("protocol_destination"),
		ProtocolFeePct: v.GetInt64("protocol_fee_pct"),
		HoldersFeePct:  v.GetInt64("holders_fee_pct"),
		SubjectFeePct:  v.GetInt64("subject_fee_pct"),
		CurveUnitPrice: v.GetString("curve_unit_price"),
		CurveScale:     v.GetInt64("curve_scale"),
		CurveShift:     v.GetInt64("curve_shift"),
		DomainName:     v.GetString("domain_name"),
		DomainVersion:  v.GetString("domain_version"),
		DomainChainID:  v.GetUint64("domain_chain_id"),
	}, nil
}
