package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"payment-reconciler/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const channelsYAML = `
channels:
  - name: tw
    base_url: https://sandbox-api.example.com
    channel_id: "1234"
    channel_secret: secret
    currency: TWD
    timeout: 5s
  - name: jp
    base_url: https://api.example.jp
    channel_id: "5678"
    channel_secret: other
    currency: JPY
`

func TestParseChannels(t *testing.T) {
	channels, err := ParseChannels([]byte(channelsYAML))
	require.NoError(t, err)
	require.Len(t, channels, 2)

	assert.Equal(t, "tw", channels[0].Name)
	assert.Equal(t, "1234", channels[0].ChannelID)
	assert.Equal(t, 5*time.Second, channels[0].Timeout)
	assert.Equal(t, "JPY", channels[1].Currency)
	assert.Zero(t, channels[1].Timeout)

	_, err = ParseChannels([]byte("channels: [unterminated"))
	assert.Error(t, err)
}

func TestChannels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(channelsYAML), 0o600))

	cfg := &Config{Provider: ProviderConfig{
		Default:      provider.Config{Name: provider.DefaultChannel, BaseURL: "https://api.example.com"},
		ChannelsFile: path,
	}}
	channels, err := cfg.Channels()
	require.NoError(t, err)
	require.Len(t, channels, 3)
	assert.Equal(t, provider.DefaultChannel, channels[0].Name)
	assert.Equal(t, "tw", channels[1].Name)

	_, err = (&Config{}).Channels()
	assert.Error(t, err)

	missing := &Config{Provider: ProviderConfig{ChannelsFile: filepath.Join(t.TempDir(), "nope.yaml")}}
	_, err = missing.Channels()
	assert.Error(t, err)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", StoreDriverMemory)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("PROVIDER_BASE_URL", "https://api.example.com")
	t.Setenv("PROVIDER_TIMEOUT_SECONDS", "7")
	t.Setenv("SWEEP_BATCH_SIZE", "not-a-number")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, StoreDriverMemory, cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7*time.Second, cfg.Provider.Default.Timeout)
	assert.Equal(t, "TWD", cfg.Provider.Default.Currency)
	assert.Equal(t, 100, cfg.Business.SweepBatchSize)
	assert.Equal(t, 60*time.Second, cfg.Business.OrderLockTTL)
	assert.Equal(t, 24*time.Hour, cfg.Business.RefundIdempotencyTTL)
	assert.Equal(t, 2*time.Minute, cfg.Business.QueryTimeout)
}
