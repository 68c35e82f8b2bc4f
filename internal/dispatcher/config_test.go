package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"recon/internal/config"
)

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	for _, cfg := range []MemoryConfig{{}, {BufferSize: -1, Workers: -5, HTTPTimeout: -time.Second}} {
		got := cfg.withDefaults()
		assert.Equal(t, 256, got.BufferSize)
		assert.Equal(t, 2, got.Workers)
		assert.Equal(t, 10*time.Second, got.HTTPTimeout)
		assert.Equal(t, 5, got.BreakerThreshold)
		assert.Equal(t, 30*time.Second, got.BreakerCooldown)
		assert.Equal(t, 10, got.MaxRequeues)
	}
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()
	got := ConfigFrom(config.CallbackConfig{BufferSize: 16, Workers: 4, Timeout: 3 * time.Second})
	assert.Equal(t, 16, got.BufferSize)
	assert.Equal(t, 4, got.Workers)
	assert.Equal(t, 3*time.Second, got.HTTPTimeout)
	assert.Equal(t, 5, got.BreakerThreshold)
}

func TestConfigFromDefaultsToOneWorker(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, ConfigFrom(config.CallbackConfig{}).Workers)
	assert.Equal(t, 1, ConfigFrom(config.Default().Callback).Workers)
}

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://example.com/callback", "example.com"},
		{"http://api.example.com:3000/v1/events?key=123", "api.example.com:3000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractHost(tt.rawURL), tt.rawURL)
	}
}
