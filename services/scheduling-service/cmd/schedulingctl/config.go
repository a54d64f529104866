package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ctlConfig is what schedulingctl reads from the environment, an optional .env file,
// and flags. Flags win over the environment.
type ctlConfig struct {
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DisplayTimezone string        `mapstructure:"DISPLAY_TIMEZONE"`
	TimeFormat      string        `mapstructure:"TIME_FORMAT"`
	LinkSecret      string        `mapstructure:"BOOKING_LINK_SECRET"`
	LinkTTL         time.Duration `mapstructure:"BOOKING_LINK_TTL"`
}

var configKeys = map[string]string{
	"database-url": "DATABASE_URL",
	"timezone":     "DISPLAY_TIMEZONE",
	"format":       "TIME_FORMAT",
	"link-secret":  "BOOKING_LINK_SECRET",
	"link-ttl":     "BOOKING_LINK_TTL",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("DISPLAY_TIMEZONE", "UTC")
	v.SetDefault("TIME_FORMAT", "12h")
	v.SetDefault("BOOKING_LINK_TTL", 72*time.Hour)
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}
	_ = v.ReadInConfig()
	return v
}

// bindFlags binds whichever known flags fs defines.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range configKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", flag, err)
			}
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (*ctlConfig, error) {
	cfg := &ctlConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	return cfg, nil
}

func (c *ctlConfig) location() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(c.DisplayTimezone))
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.DisplayTimezone, err)
	}
	return loc, nil
}

func (c *ctlConfig) requireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
