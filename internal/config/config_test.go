package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
env: dev
http_server:
  address: ":9090"
  read_timeout: 5s
db:
  driver: memory
auth:
  access_secret: access-secret
  refresh_secret: refresh-secret
otp:
  cooldown: 3m
password_reset:
  url_base: "https://app.example.com/reset/"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPServer.Address)
	assert.Equal(t, 5*time.Second, cfg.HTTPServer.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPServer.WriteTimeout)
	assert.Equal(t, DriverMemory, cfg.DB.Driver)

	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 15*time.Minute, cfg.OTP.TTL)
	assert.Equal(t, 3*time.Minute, cfg.OTP.Cooldown)
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.PasswordReset.TTL)
	assert.Equal(t, "https://app.example.com/reset/", cfg.PasswordReset.URLBase)
	assert.Equal(t, 24*time.Hour, cfg.Sweeper.Interval)
	assert.Equal(t, MailerLog, cfg.Mailer.Driver)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DB_DRIVER", DriverMongo)
	t.Setenv("JWT_ACCESS_TTL", "5m")

	cfg, err := loadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, DriverMongo, cfg.DB.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
}

func TestLoadConfigRejectsSharedSecret(t *testing.T) {
	body := `
http_server:
  address: ":9090"
db:
  driver: memory
auth:
  access_secret: same
  refresh_secret: same
`
	_, err := loadConfig(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DB:            DB{Driver: DriverPostgres},
			Auth:          Auth{AccessSecret: "a", RefreshSecret: "b", AccessTTL: time.Minute, RefreshTTL: time.Hour},
			OTP:           OTP{TTL: time.Minute, Cooldown: time.Minute, MaxAttempts: 5},
			PasswordReset: PasswordReset{TTL: time.Hour},
			Sweeper:       Sweeper{Interval: time.Hour},
			Mailer:        Mailer{Driver: MailerLog},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown db driver", func(c *Config) { c.DB.Driver = "sqlite" }, "db.driver"},
		{"missing access secret", func(c *Config) { c.Auth.AccessSecret = "" }, "auth.access_secret is required"},
		{"missing refresh secret", func(c *Config) { c.Auth.RefreshSecret = "" }, "auth.refresh_secret is required"},
		{"zero otp ttl", func(c *Config) { c.OTP.TTL = 0 }, "otp.ttl"},
		{"zero attempts", func(c *Config) { c.OTP.MaxAttempts = 0 }, "otp.max_attempts"},
		{"postmark without token", func(c *Config) { c.Mailer.Driver = MailerPostmark }, "postmark_server_token"},
		{"unknown mailer", func(c *Config) { c.Mailer.Driver = "smtp" }, "mailer.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMustLoadConfigPanicsOnMissingFile(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	})
}
