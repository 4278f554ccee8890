// Package config loads auditor settings from flags, environment, .env files
// and an optional leakage.yaml, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
)

type Config struct {
	Port   string
	DBPath string

	LogLevel  string
	LogFormat string
	LogOutput string

	RateTolerance     string
	UsageThresholdPct string
	TieBreak          string
	DetectOrphans     bool
	SeverityMedium    string
	SeverityHigh      string
	SeverityCritical  string

	// ConfigFile is the file viper actually read, if any.
	ConfigFile string
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	p := reconciliation.DefaultPolicy()

	v.SetDefault("port", "8080")
	v.SetDefault("db_path", "auditor.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
	v.SetDefault("log_output", "stderr")
	v.SetDefault("rate_tolerance", p.RateTolerance.String())
	v.SetDefault("usage_threshold_pct", p.UsageThresholdPct.String())
	v.SetDefault("tie_break", string(p.TieBreak))
	v.SetDefault("detect_orphans", p.DetectOrphans)
	v.SetDefault("severity_medium", p.Severity.Medium.String())
	v.SetDefault("severity_high", p.Severity.High.String())
	v.SetDefault("severity_critical", p.Severity.Critical.String())
}

// Load reads configuration into a Config. v may already carry bound cobra
// flags; configFile overrides the leakage.yaml search when set.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	loadEnvFiles()

	SetDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("leakage")
		// optional
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return &Config{
		Port:              v.GetString("port"),
		DBPath:            v.GetString("db_path"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		LogOutput:         v.GetString("log_output"),
		RateTolerance:     v.GetString("rate_tolerance"),
		UsageThresholdPct: v.GetString("usage_threshold_pct"),
		TieBreak:          v.GetString("tie_break"),
		DetectOrphans:     v.GetBool("detect_orphans"),
		SeverityMedium:    v.GetString("severity_medium"),
		SeverityHigh:      v.GetString("severity_high"),
		SeverityCritical:  v.GetString("severity_critical"),
		ConfigFile:        v.ConfigFileUsed(),
	}, nil
}

// loadEnvFiles loads .env then .env.local. godotenv never overrides a
// variable that is already set, so the real environment wins.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Output: c.LogOutput,
	}
}

// Policy parses the detection settings and validates the result.
func (c *Config) Policy() (reconciliation.Policy, error) {
	p := reconciliation.DefaultPolicy()

	decimals := []struct {
		key string
		raw string
		dst *decimal.Decimal
	}{
		{"rate_tolerance", c.RateTolerance, &p.RateTolerance},
		{"usage_threshold_pct", c.UsageThresholdPct, &p.UsageThresholdPct},
		{"severity_medium", c.SeverityMedium, &p.Severity.Medium},
		{"severity_high", c.SeverityHigh, &p.Severity.High},
		{"severity_critical", c.SeverityCritical, &p.Severity.Critical},
	}
	for _, d := range decimals {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(d.raw))
		if err != nil {
			return p, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	tb, err := reconciliation.ParseTieBreak(c.TieBreak)
	if err != nil {
		return p, err
	}
	p.TieBreak = tb
	p.DetectOrphans = c.DetectOrphans

	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}
