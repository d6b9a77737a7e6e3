package idregistry

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ceyewan/gidkit/coord/store"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig(Reusable)
	assert.Equal(t, Reusable, cfg.Mode)
	assert.Equal(t, DefaultReusableTopic, cfg.Topic)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10, cfg.BackoffBound)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.NoError(t, cfg.Validate())

	cfg = GetDefaultConfig(Unique)
	assert.Equal(t, DefaultUniqueTopic, cfg.Topic)
	assert.Equal(t, math.MaxInt32, cfg.MaxGlobalID)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"nested topic", func(c *Config) { c.Topic = "game/room-ids" }, false},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, false},
		{"unknown mode", func(c *Config) { c.Mode = "random" }, true},
		{"empty topic", func(c *Config) { c.Topic = " " }, true},
		{"absolute topic", func(c *Config) { c.Topic = "/ids" }, true},
		{"trailing slash", func(c *Config) { c.Topic = "ids/" }, true},
		{"negative lock timeout", func(c *Config) { c.LockTimeout = -time.Second }, true},
		{"negative interval", func(c *Config) { c.HeartbeatInterval = -time.Second }, true},
		{"zero backoff bound", func(c *Config) { c.BackoffBound = 0 }, true},
		{"zero max id", func(c *Config) { c.MaxGlobalID = 0 }, true},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig(Reusable)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}

	var nilCfg *Config
	assert.True(t, errors.Is(nilCfg.Validate(), ErrInvalidConfig))
}

func TestConfigYAML(t *testing.T) {
	raw := `
mode: unique
topic: orders
lockTimeout: 3s
maxGlobalId: 1023
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, Unique, cfg.Mode)
	assert.Equal(t, "orders", cfg.Topic)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 1023, cfg.MaxGlobalID)
}

func TestWithMode(t *testing.T) {
	cfg := GetDefaultConfig(Reusable)
	got := withMode(cfg, Unique)
	assert.Equal(t, Unique, got.Mode)
	assert.Equal(t, Reusable, cfg.Mode, "input config must not be modified")

	got = withMode(nil, Unique)
	assert.Equal(t, DefaultUniqueTopic, got.Topic)
}

func TestError(t *testing.T) {
	cause := fmt.Errorf("wrapped: %w", store.ErrUnavailable)
	err := newError(CodeConnection, "heartbeat failed", cause)

	assert.True(t, errors.Is(err, ErrConnection))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.Equal(t, "[CONNECTION_FAILURE] heartbeat failed: wrapped: store unavailable", err.Error())

	code, ok := CodeOf(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Equal(t, CodeConnection, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)

	assert.Nil(t, asRegistrationError("x", nil))
	assert.Same(t, err, asRegistrationError("x", err))
	assert.True(t, errors.Is(asRegistrationError("x", cause), ErrRegistration))
}

func TestIdentitySources(t *testing.T) {
	ident, err := Static("node-1")()
	require.NoError(t, err)
	assert.Equal(t, "node-1", ident)

	a, err := RandomUUID()()
	require.NoError(t, err)
	b, err := RandomUUID()()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NoError(t, validateIdentity(a))

	host, err := Hostname()()
	require.NoError(t, err)
	assert.NotEmpty(t, host)

	assert.Error(t, validateIdentity(""))
	assert.Error(t, validateIdentity("10.0.0.1/24"))
	assert.NoError(t, validateIdentity("10.0.0.1"))
}
