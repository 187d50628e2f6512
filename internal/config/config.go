// Package config loads the general application configuration and the
// per-device configuration store.
//
// Malformed or missing values never crash the process: every lookup falls
// back to a documented default and logs a warning at most once per kind,
// so a bad config line does not flood the log on every scheduler tick.
package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Defaults applied when the corresponding setting is missing or malformed.
const (
	DefaultPriceKWh    = 0.3
	DefaultDailyTime   = "00:00"
	DefaultMonthlyDay  = "01"
	DefaultYearlyDate  = "01.01"
	DefaultLogLevel    = "info"
	DefaultBotInterval = 10
)

var (
	timeOfDayPattern  = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	dayOfMonthPattern = regexp.MustCompile(`^(0[1-9]|[12][0-9]|3[01])$`)
	dateOfYearPattern = regexp.MustCompile(`^(0[1-9]|[12][0-9]|3[01])\.(0[1-9]|1[0-2])$`)
)

// Warning records one default substitution.
type Warning struct {
	Kind    string
	Message string
}

// DatabaseConfig holds the InfluxDB connection settings.
type DatabaseConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// TelegramConfig holds the chat bot settings.
type TelegramConfig struct {
	Token        string `mapstructure:"token"`
	ChatID       string `mapstructure:"chat_id"`
	ChatIDSource string `mapstructure:"chat_id_source"`
	UpdateTime   int    `mapstructure:"update_time"`
}

// ServerConfig holds the HTTP status/metrics server settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// FilesConfig holds the data file locations.
type FilesConfig struct {
	Devices string `mapstructure:"devices"`
	Reports string `mapstructure:"reports"`
	Log     string `mapstructure:"log"`
	ChatID  string `mapstructure:"chat_id"`
}

// Config wraps the loaded configuration. The general section is accessed
// through validating getters that substitute defaults with a one-time
// warning per kind.
type Config struct {
	Database DatabaseConfig
	Telegram TelegramConfig
	Server   ServerConfig
	Files    FilesConfig

	v        *viper.Viper
	logger   *logrus.Logger
	warned   map[string]bool
	warnings []Warning
}

// Load reads the YAML configuration file, expanding environment variables
// the same way the rest of the deployment files do.
func Load(path string, logger *logrus.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(strings.NewReader(os.ExpandEnv(string(data)))); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := &Config{
		v:      v,
		logger: logger,
		warned: map[string]bool{},
	}
	if err := v.UnmarshalKey("database", &cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to unmarshal database config: %w", err)
	}
	if err := v.UnmarshalKey("telegram", &cfg.Telegram); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telegram config: %w", err)
	}
	if err := v.UnmarshalKey("server", &cfg.Server); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	if err := v.UnmarshalKey("files", &cfg.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal files config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.url", "http://localhost:8086")
	v.SetDefault("database.bucket", "plugwatch")
	v.SetDefault("telegram.update_time", DefaultBotInterval)
	v.SetDefault("telegram.chat_id_source", "manual")
	v.SetDefault("files.devices", "files/devices.json")
	v.SetDefault("files.reports", "files")
	v.SetDefault("files.log", "files/main.log")
	v.SetDefault("files.chat_id", "files/chat_id.txt")
}

// warnOnce records a substitution and logs it the first time the kind
// occurs during the process lifetime.
func (c *Config) warnOnce(kind, message string) {
	if c.warned[kind] {
		return
	}
	c.warned[kind] = true
	c.warnings = append(c.warnings, Warning{Kind: kind, Message: message})
	if c.logger != nil {
		c.logger.WithField("kind", kind).Warn(message)
	}
}

// Warnings returns all substitutions recorded so far.
func (c *Config) Warnings() []Warning {
	out := make([]Warning, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// PriceKWh returns the configured energy price. A comma decimal separator
// is tolerated; the value is rounded to three decimals. Anything
// unparseable yields the default.
func (c *Config) PriceKWh() float64 {
	raw := c.v.GetString("general.price_kwh")
	if raw == "" {
		c.warnOnce("price_missing", "No price per KWh configured, the default of 0.30 is used.")
		return DefaultPriceKWh
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		c.warnOnce("price_invalid",
			"The setting for the price is not a number. A default value of 0.30 was assumed.")
		return DefaultPriceKWh
	}
	return math.Round(parsed*1000) / 1000
}

// RequestTimeDaily returns the "HH:MM" start time for daily calculations.
func (c *Config) RequestTimeDaily() string {
	raw := c.v.GetString("general.calc_request_time_daily")
	if raw == "" {
		return DefaultDailyTime
	}
	if !timeOfDayPattern.MatchString(raw) {
		c.warnOnce("calc_request_time_daily",
			fmt.Sprintf("Invalid daily calculation time %q, default %q is used.", raw, DefaultDailyTime))
		return DefaultDailyTime
	}
	return raw
}

// RequestTimeMonthly returns the "DD" target day for monthly calculations.
func (c *Config) RequestTimeMonthly() string {
	raw := c.v.GetString("general.calc_request_time_monthly")
	if raw == "" {
		return DefaultMonthlyDay
	}
	if !dayOfMonthPattern.MatchString(raw) {
		c.warnOnce("calc_request_time_monthly",
			fmt.Sprintf("Invalid monthly calculation day %q, default %q is used.", raw, DefaultMonthlyDay))
		return DefaultMonthlyDay
	}
	return raw
}

// RequestTimeYearly returns the "DD.MM" target date for yearly calculations.
func (c *Config) RequestTimeYearly() string {
	raw := c.v.GetString("general.calc_request_time_yearly")
	if raw == "" {
		return DefaultYearlyDate
	}
	if !dateOfYearPattern.MatchString(raw) {
		c.warnOnce("calc_request_time_yearly",
			fmt.Sprintf("Invalid yearly calculation date %q, default %q is used.", raw, DefaultYearlyDate))
		return DefaultYearlyDate
	}
	return raw
}

// LogLevel parses general.log_level, defaulting to info.
func (c *Config) LogLevel() logrus.Level {
	raw := c.v.GetString("general.log_level")
	if raw == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		c.warnOnce("log_level",
			fmt.Sprintf("Unknown log level %q, default %q is used.", raw, DefaultLogLevel))
		return logrus.InfoLevel
	}
	return level
}

// BotUpdateTime returns the bot polling interval in seconds. Values below
// two seconds cannot be handled by the cooperative scheduler quantum and
// fall back to the default.
func (c *Config) BotUpdateTime() int {
	val := c.Telegram.UpdateTime
	if val < 2 {
		c.warnOnce("bot_update_time",
			"Not valid value for Telegram-Bot update time. Default value (10s) is used.")
		return DefaultBotInterval
	}
	return val
}
