package client

import (
	"time"

	"github.com/google/uuid"

	"connguard/reaper"
)

// LeaseMode selects whether a coordination secret is mandatory.
type LeaseMode string

const (
	LeaseRequired LeaseMode = "required"
	LeaseOptional LeaseMode = "optional"
)

// HeartbeatErrorMode selects what happens when a heartbeat fails.
// HeartbeatThrow does not make Query return the failure: a caller that
// awaited the heartbeat past the hard deadline logs it, and a background
// heartbeat's failure is visible only through OnHeartbeatFail.
type HeartbeatErrorMode string

const (
	HeartbeatReconnect HeartbeatErrorMode = "reconnect"
	HeartbeatSwallow   HeartbeatErrorMode = "swallow"
	HeartbeatThrow     HeartbeatErrorMode = "throw"
)

// Config is the full recognized configuration surface.
type Config struct {
	Addr         string
	ServiceName  string
	InstanceName string // defaults to a generated uuid

	CoordinationSecret []byte
	LeaseMode          LeaseMode
	LeaseTTL           time.Duration

	Reaper                   bool
	ReaperRunProbability     float64
	HonorReaperProbability   bool
	ReaperCooldown           time.Duration
	ReaperErrorMode          reaper.ErrorMode
	MinConnectionIdleSec     int
	MaxIdleConnectionsToKill int

	HeartbeatSoftRemaining     time.Duration
	HeartbeatHardWaitRemaining time.Duration
	HeartbeatTimeout           time.Duration
	HeartbeatErrorMode         HeartbeatErrorMode

	Retries             int
	MinBackoff          time.Duration
	MaxBackoff          time.Duration
	MaxConnectRetryTime time.Duration
	MaxQueryRetryTime   time.Duration
	DefaultQueryTimeout time.Duration

	// Dialer is overridden in tests; production callers leave it nil to
	// get DialPostgres.
	Dialer Dialer
	Hooks  *Hooks
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// their documented defaults.
func (cfg Config) withDefaults() Config {
	if cfg.InstanceName == "" {
		cfg.InstanceName = uuid.NewString()
	}
	if cfg.LeaseMode == "" {
		cfg.LeaseMode = LeaseRequired
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ReaperCooldown <= 0 {
		cfg.ReaperCooldown = time.Minute
	}
	if cfg.MinConnectionIdleSec <= 0 {
		cfg.MinConnectionIdleSec = 30
	}
	if cfg.MaxIdleConnectionsToKill <= 0 {
		cfg.MaxIdleConnectionsToKill = 5
	}
	if cfg.ReaperRunProbability <= 0 {
		cfg.ReaperRunProbability = 1
	}
	if cfg.HeartbeatSoftRemaining <= 0 {
		cfg.HeartbeatSoftRemaining = 30 * time.Second
	}
	if cfg.HeartbeatHardWaitRemaining <= 0 {
		cfg.HeartbeatHardWaitRemaining = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Second
	}
	if cfg.HeartbeatErrorMode == "" {
		cfg.HeartbeatErrorMode = HeartbeatReconnect
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.MaxConnectRetryTime <= 0 {
		cfg.MaxConnectRetryTime = 30 * time.Second
	}
	if cfg.MaxQueryRetryTime <= 0 {
		cfg.MaxQueryRetryTime = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialPostgres
	}
	return cfg
}

func (cfg Config) validate() error {
	if cfg.ServiceName == "" {
		return &ConfigurationError{Msg: "ServiceName is required"}
	}
	if cfg.LeaseMode == LeaseRequired && len(cfg.CoordinationSecret) < 16 {
		return &ConfigurationError{Msg: "CoordinationSecret must be at least 16 bytes when LeaseMode is required"}
	}
	if cfg.LeaseMode != LeaseRequired && cfg.LeaseMode != LeaseOptional {
		return &ConfigurationError{Msg: "LeaseMode must be required or optional"}
	}
	return nil
}

func (cfg Config) leasingEnabled() bool {
	return cfg.LeaseMode == LeaseRequired || len(cfg.CoordinationSecret) >= 16
}
