package config_test

import (
	"testing"
	"time"

	"github.com/antinvestor/service-realtime/apps/default/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		MediaStoreURI:             "http://media.local:7040",
		CacheURI:                  "mem://",
		CollaboratorTimeoutSec:    5,
		BreakerMaxFailures:        5,
		BreakerResetTimeoutSec:    30,
		AuthJWTSecret:             "secret",
		SupportedProtocolVersions: []string{"1", "2"},
		MaxConnections:            100,
		SendQueueSize:             100,
		HeartbeatTimeoutSec:       90,
		HandshakeTimeoutSec:       10,
		CloseGracePeriodMs:        2000,
		ShutdownDrainSec:          30,
		MaxFrameBytes:             65536,
		MaxInboundPerSecond:       20,
		InboundBurst:              40,
		FanoutConcurrency:         8,
		HistoryDefaultPageSize:    100,
		HistoryMaxPageSize:        500,
		ResyncBatchSize:           500,
		MaxParticipants:           100,
		MaxMediaPerMessage:        10,
		MaxBodyLength:             4096,
		MediaCacheTTLSec:          60,
	}
}

func TestRealtimeConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.RealtimeConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.RealtimeConfig) {}},
		{name: "directory optional", mutate: func(c *config.RealtimeConfig) { c.UserDirectoryURI = "" }},
		{name: "directory https", mutate: func(c *config.RealtimeConfig) { c.UserDirectoryURI = "https://users.local" }},
		{name: "missing secret", mutate: func(c *config.RealtimeConfig) { c.AuthJWTSecret = "" }, wantErr: "AuthJWTSecret"},
		{name: "missing media store", mutate: func(c *config.RealtimeConfig) { c.MediaStoreURI = "" }, wantErr: "MediaStoreURI cannot be empty"},
		{name: "bad media scheme", mutate: func(c *config.RealtimeConfig) { c.MediaStoreURI = "ftp://media" }, wantErr: "invalid scheme"},
		{name: "redis cache", mutate: func(c *config.RealtimeConfig) { c.CacheURI = "redis://localhost:6379" }},
		{name: "missing cache", mutate: func(c *config.RealtimeConfig) { c.CacheURI = "" }, wantErr: "CacheURI cannot be empty"},
		{name: "bad cache scheme", mutate: func(c *config.RealtimeConfig) { c.CacheURI = "memcached://x" }, wantErr: "CacheURI has invalid scheme"},
		{name: "directory without host", mutate: func(c *config.RealtimeConfig) { c.UserDirectoryURI = "http://" }, wantErr: "has no host"},
		{name: "no protocol versions", mutate: func(c *config.RealtimeConfig) { c.SupportedProtocolVersions = nil }, wantErr: "at least one version"},
		{name: "blank protocol version", mutate: func(c *config.RealtimeConfig) { c.SupportedProtocolVersions = []string{"1", " "} }, wantErr: "SupportedProtocolVersions[1]"},
		{name: "zero queue", mutate: func(c *config.RealtimeConfig) { c.SendQueueSize = 0 }, wantErr: "SendQueueSize must be > 0"},
		{name: "negative grace", mutate: func(c *config.RealtimeConfig) { c.CloseGracePeriodMs = -1 }, wantErr: "CloseGracePeriodMs"},
		{name: "page sizes inverted", mutate: func(c *config.RealtimeConfig) { c.HistoryDefaultPageSize = 600 }, wantErr: "HistoryDefaultPageSize"},
		{name: "burst below rate", mutate: func(c *config.RealtimeConfig) { c.InboundBurst = 5 }, wantErr: "InboundBurst"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRealtimeConfig_ValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.AuthJWTSecret = ""
	cfg.SendQueueSize = 0
	cfg.FanoutConcurrency = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AuthJWTSecret")
	assert.Contains(t, err.Error(), "SendQueueSize")
	assert.Contains(t, err.Error(), "FanoutConcurrency")
}

func TestRealtimeConfig_Durations(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, 2*time.Second, cfg.CloseGracePeriod())
	assert.Equal(t, 30*time.Second, cfg.ShutdownDrain())
	assert.Equal(t, 5*time.Second, cfg.CollaboratorTimeout())
	assert.Equal(t, 30*time.Second, cfg.BreakerResetTimeout())
	assert.Equal(t, time.Minute, cfg.MediaCacheTTL())
}
