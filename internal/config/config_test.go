package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadConfig(t *testing.T, content string) (*Config, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	cfg, err := Load(writeConfig(t, content), logger)
	require.NoError(t, err)
	return cfg, hook
}

func TestLoad(t *testing.T) {
	cfg, _ := loadConfig(t, `
general:
  price_kwh: "0,30"
  calc_request_time_daily: "00:00"
  log_level: "debug"

database:
  url: "http://localhost:8086"
  token: "secret"
  org: "home"
  bucket: "plugwatch"

telegram:
  token: "bot-token"
  chat_id: "1234"
  update_time: 5

server:
  port: 9090
`)

	assert.Equal(t, "http://localhost:8086", cfg.Database.URL)
	assert.Equal(t, "home", cfg.Database.Org)
	assert.Equal(t, "bot-token", cfg.Telegram.Token)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.BotUpdateTime())
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel())
}

func TestLoadWithEnvExpansion(t *testing.T) {
	t.Setenv("PW_DB_TOKEN", "env-secret")

	cfg, _ := loadConfig(t, `
database:
  token: $PW_DB_TOKEN
`)

	assert.Equal(t, "env-secret", cfg.Database.Token)
}

func TestPriceParsing(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want float64
	}{
		{"comma decimal rounded", `general: {price_kwh: "0,1234"}`, 0.123},
		{"plain number", `general: {price_kwh: 0.25}`, 0.25},
		{"dot decimal", `general: {price_kwh: "0.4"}`, 0.4},
		{"not a number", `general: {price_kwh: "cheap"}`, DefaultPriceKWh},
		{"boolean value", `general: {price_kwh: true}`, DefaultPriceKWh},
		{"missing", `general: {}`, DefaultPriceKWh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := loadConfig(t, tt.yaml)
			assert.InDelta(t, tt.want, cfg.PriceKWh(), 1e-9)
		})
	}
}

func TestRequestTimeValidation(t *testing.T) {
	cfg, _ := loadConfig(t, `
general:
  calc_request_time_daily: "00:71"
  calc_request_time_monthly: "42"
  calc_request_time_yearly: "01.13"
`)

	assert.Equal(t, DefaultDailyTime, cfg.RequestTimeDaily())
	assert.Equal(t, DefaultMonthlyDay, cfg.RequestTimeMonthly())
	assert.Equal(t, DefaultYearlyDate, cfg.RequestTimeYearly())

	cfg, _ = loadConfig(t, `
general:
  calc_request_time_daily: "23:59"
  calc_request_time_monthly: "15"
  calc_request_time_yearly: "24.12"
`)

	assert.Equal(t, "23:59", cfg.RequestTimeDaily())
	assert.Equal(t, "15", cfg.RequestTimeMonthly())
	assert.Equal(t, "24.12", cfg.RequestTimeYearly())
}

func TestWarningsAreLoggedOncePerKind(t *testing.T) {
	cfg, hook := loadConfig(t, `general: {price_kwh: "cheap"}`)

	cfg.PriceKWh()
	cfg.PriceKWh()
	cfg.PriceKWh()

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "repeated lookups must not spam the log")
	assert.Len(t, cfg.Warnings(), 1)
	assert.Equal(t, "price_invalid", cfg.Warnings()[0].Kind)
}

func TestBotUpdateTimeLowerBound(t *testing.T) {
	cfg, _ := loadConfig(t, `telegram: {update_time: 1}`)
	assert.Equal(t, DefaultBotInterval, cfg.BotUpdateTime())
}

func TestLoadMissingFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), logger)
	assert.Error(t, err)
}
