package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type RealtimeConfig struct {
	config.ConfigurationDefault

	// External collaborators. An empty UserDirectoryURI accepts every user id.
	UserDirectoryURI       string `envDefault:""                      env:"USER_DIRECTORY_URI"`
	MediaStoreURI          string `envDefault:"http://127.0.0.1:7040" env:"MEDIA_STORE_URI"`
	CollaboratorTimeoutSec int    `envDefault:"5"                     env:"COLLABORATOR_TIMEOUT_SEC"`
	BreakerMaxFailures     int    `envDefault:"5"                     env:"BREAKER_MAX_FAILURES"`
	BreakerResetTimeoutSec int    `envDefault:"30"                    env:"BREAKER_RESET_TIMEOUT_SEC"`

	// Media lookup cache. mem:// keeps it in process; redis:// and nats:// share it across replicas.
	CacheURI             string `envDefault:"mem://" env:"CACHE_URI"`
	CacheCredentialsFile string `envDefault:""       env:"CACHE_CREDENTIALS_FILE"`

	// Session token verification.
	AuthJWTSecret   string `envDefault:""               env:"AUTH_JWT_SECRET"`
	AuthJWTIssuer   string `envDefault:""               env:"AUTH_JWT_ISSUER"`
	AuthJWTAudience string `envDefault:"service_realtime" env:"AUTH_JWT_AUDIENCE"`

	// Connection management.
	SupportedProtocolVersions []string `envDefault:"1"     env:"SUPPORTED_PROTOCOL_VERSIONS"`
	MaxConnections            int      `envDefault:"10000" env:"MAX_CONNECTIONS"`
	SendQueueSize             int      `envDefault:"100"   env:"SEND_QUEUE_SIZE"`
	HeartbeatTimeoutSec       int      `envDefault:"90"    env:"HEARTBEAT_TIMEOUT_SEC"`
	HandshakeTimeoutSec       int      `envDefault:"10"    env:"HANDSHAKE_TIMEOUT_SEC"`
	CloseGracePeriodMs        int      `envDefault:"2000"  env:"CLOSE_GRACE_PERIOD_MS"`
	ShutdownDrainSec          int      `envDefault:"30"    env:"SHUTDOWN_DRAIN_SEC"`
	MaxFrameBytes             int64    `envDefault:"65536" env:"MAX_FRAME_BYTES"`

	// Inbound rate limiting per connection.
	MaxInboundPerSecond int `envDefault:"20" env:"MAX_INBOUND_PER_SECOND"`
	InboundBurst        int `envDefault:"40" env:"INBOUND_BURST"`

	// Messaging limits.
	FanoutConcurrency      int `envDefault:"32"    env:"FANOUT_CONCURRENCY"`
	HistoryDefaultPageSize int `envDefault:"100"   env:"HISTORY_DEFAULT_PAGE_SIZE"`
	HistoryMaxPageSize     int `envDefault:"500"   env:"HISTORY_MAX_PAGE_SIZE"`
	ResyncBatchSize        int `envDefault:"500"   env:"RESYNC_BATCH_SIZE"`
	MaxParticipants        int `envDefault:"1000"  env:"MAX_PARTICIPANTS"`
	MaxMediaPerMessage     int `envDefault:"10"    env:"MAX_MEDIA_PER_MESSAGE"`
	MaxBodyLength          int `envDefault:"16384" env:"MAX_BODY_LENGTH"`
	MediaCacheTTLSec       int `envDefault:"60"    env:"MEDIA_CACHE_TTL_SEC"`
}

func (c *RealtimeConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

func (c *RealtimeConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

func (c *RealtimeConfig) CloseGracePeriod() time.Duration {
	return time.Duration(c.CloseGracePeriodMs) * time.Millisecond
}

func (c *RealtimeConfig) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSec) * time.Second
}

func (c *RealtimeConfig) CollaboratorTimeout() time.Duration {
	return time.Duration(c.CollaboratorTimeoutSec) * time.Second
}

func (c *RealtimeConfig) BreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeoutSec) * time.Second
}

func (c *RealtimeConfig) MediaCacheTTL() time.Duration {
	return time.Duration(c.MediaCacheTTLSec) * time.Second
}

// Validate checks that the configuration is usable, reporting every problem at once.
func (c *RealtimeConfig) Validate() error {
	var errs []error

	if c.AuthJWTSecret == "" {
		errs = append(errs, errors.New("AuthJWTSecret cannot be empty"))
	}

	if err := validateCacheURI(c.CacheURI, "CacheURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURI(c.MediaStoreURI, "MediaStoreURI", false); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURI(c.UserDirectoryURI, "UserDirectoryURI", true); err != nil {
		errs = append(errs, err)
	}

	if len(c.SupportedProtocolVersions) == 0 {
		errs = append(errs, errors.New("SupportedProtocolVersions must list at least one version"))
	}
	for i, v := range c.SupportedProtocolVersions {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("SupportedProtocolVersions[%d] cannot be blank", i))
		}
	}

	positives := []struct {
		name  string
		value int
	}{
		{"MaxConnections", c.MaxConnections},
		{"SendQueueSize", c.SendQueueSize},
		{"HeartbeatTimeoutSec", c.HeartbeatTimeoutSec},
		{"HandshakeTimeoutSec", c.HandshakeTimeoutSec},
		{"MaxInboundPerSecond", c.MaxInboundPerSecond},
		{"InboundBurst", c.InboundBurst},
		{"FanoutConcurrency", c.FanoutConcurrency},
		{"HistoryDefaultPageSize", c.HistoryDefaultPageSize},
		{"HistoryMaxPageSize", c.HistoryMaxPageSize},
		{"ResyncBatchSize", c.ResyncBatchSize},
		{"MaxParticipants", c.MaxParticipants},
		{"MaxBodyLength", c.MaxBodyLength},
		{"CollaboratorTimeoutSec", c.CollaboratorTimeoutSec},
		{"BreakerMaxFailures", c.BreakerMaxFailures},
	}
	for _, p := range positives {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.name))
		}
	}

	if c.CloseGracePeriodMs < 0 {
		errs = append(errs, errors.New("CloseGracePeriodMs cannot be negative"))
	}
	if c.MaxMediaPerMessage < 0 {
		errs = append(errs, errors.New("MaxMediaPerMessage cannot be negative"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("MaxFrameBytes must be > 0"))
	}

	if c.HistoryDefaultPageSize > c.HistoryMaxPageSize {
		errs = append(errs, fmt.Errorf("HistoryDefaultPageSize (%d) must be <= HistoryMaxPageSize (%d)",
			c.HistoryDefaultPageSize, c.HistoryMaxPageSize))
	}

	if c.InboundBurst < c.MaxInboundPerSecond {
		errs = append(errs, fmt.Errorf("InboundBurst (%d) must be >= MaxInboundPerSecond (%d)",
			c.InboundBurst, c.MaxInboundPerSecond))
	}

	return errors.Join(errs...)
}

func validateCacheURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"redis://", "nats://", "mem://", "memory://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}

func validateHTTPURI(raw, name string, optional bool) error {
	if raw == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%s cannot be empty", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s has invalid scheme (must be http or https): %s", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %s", name, raw)
	}
	return nil
}
