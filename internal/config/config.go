// Package config loads the process-start configuration spec.md §6 names:
// fee rates, the supported-pair set, and the decimal precision. The core
// never reloads configuration at runtime — Load is called once, in
// cmd/server, and the result handed to the Registry at construction.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"clobcore/internal/decimal"
)

// Config is the full set of values the matching core needs at startup.
type Config struct {
	MakerFeeRate      decimal.Amount
	TakerFeeRate      decimal.Amount
	SettlementFeeRate decimal.Amount // loaded for completeness; neither applied by the core nor carried on trades
	SupportedPairs    map[string]bool
	Precision         int
	SubscriberQueueCapacity int
	ListenAddress     string
}

// defaults mirror a conservative venue policy: non-zero taker fee, zero
// maker fee, matching the common "maker rebate" convention the source left
// ambiguous (SPEC_FULL.md §4.2 "Fee policy").
func defaults(v *viper.Viper) {
	v.SetDefault("maker_fee_rate", "0")
	v.SetDefault("taker_fee_rate", "0.001")
	v.SetDefault("settlement_fee_rate", "0.0005")
	v.SetDefault("supported_pairs", []string{})
	v.SetDefault("precision", decimal.Precision)
	v.SetDefault("subscriber_queue_capacity", 256)
	v.SetDefault("listen_address", "0.0.0.0:9001")
}

// Load reads configuration from environment variables prefixed CLOB_ (e.g.
// CLOB_TAKER_FEE_RATE), falling back to the defaults above. Grounded on
// 0xtitan6-polymarket-mm and fd1az/arbitrage-bot, both of which use
// spf13/viper for process-start configuration in exactly this shape.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLOB")
	v.AutomaticEnv()
	defaults(v)

	maker, err := decimal.Parse(v.GetString("maker_fee_rate"))
	if err != nil {
		return Config{}, fmt.Errorf("config: maker_fee_rate: %w", err)
	}
	taker, err := decimal.Parse(v.GetString("taker_fee_rate"))
	if err != nil {
		return Config{}, fmt.Errorf("config: taker_fee_rate: %w", err)
	}
	settlement, err := decimal.Parse(v.GetString("settlement_fee_rate"))
	if err != nil {
		return Config{}, fmt.Errorf("config: settlement_fee_rate: %w", err)
	}

	pairs := make(map[string]bool)
	for _, p := range v.GetStringSlice("supported_pairs") {
		p = strings.TrimSpace(p)
		if p != "" {
			pairs[p] = true
		}
	}

	return Config{
		MakerFeeRate:            maker,
		TakerFeeRate:            taker,
		SettlementFeeRate:       settlement,
		SupportedPairs:          pairs,
		Precision:               v.GetInt("precision"),
		SubscriberQueueCapacity: v.GetInt("subscriber_queue_capacity"),
		ListenAddress:           v.GetString("listen_address"),
	}, nil
}

// Allows reports whether pair is tradable under this configuration. An
// empty SupportedPairs set means "no restriction" (useful for tests and
// single-pair deployments that don't bother populating it).
func (c Config) Allows(pair string) bool {
	if len(c.SupportedPairs) == 0 {
		return true
	}
	return c.SupportedPairs[pair]
}
