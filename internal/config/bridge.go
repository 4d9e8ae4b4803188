package config

import "time"

// Audio defaults for the bridge
const (
	DefaultEngineSampleRate = 24000
	DefaultWireSampleRate   = 8000
	DefaultMinChunkDuration = 100 * time.Millisecond
	DefaultQueueCapacity    = 64
	DefaultPingInterval     = 10 * time.Second
	DefaultMaxMissedPongs   = 3
	DefaultDrainTimeout     = 2 * time.Second
	DefaultStartTimeout     = 15 * time.Second
	DefaultNegotiateTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
)

// BridgeConfig tunes the audio bridge
type BridgeConfig struct {
	EngineSampleRate int
	MinChunkDuration time.Duration
	InboundCapacity  int
	OutboundCapacity int
	PingInterval     time.Duration
	MaxMissedPongs   int
	DrainTimeout     time.Duration
	StartTimeout     time.Duration
	NegotiateTimeout time.Duration
	WriteTimeout     time.Duration
	DefaultVoice     string
}

// DefaultBridgeConfig returns the bridge defaults
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		EngineSampleRate: DefaultEngineSampleRate,
		MinChunkDuration: DefaultMinChunkDuration,
		InboundCapacity:  DefaultQueueCapacity,
		OutboundCapacity: DefaultQueueCapacity,
		PingInterval:     DefaultPingInterval,
		MaxMissedPongs:   DefaultMaxMissedPongs,
		DrainTimeout:     DefaultDrainTimeout,
		StartTimeout:     DefaultStartTimeout,
		NegotiateTimeout: DefaultNegotiateTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		DefaultVoice:     "alloy",
	}
}

// LoadBridgeConfig overlays BRIDGE_* variables on the defaults
func LoadBridgeConfig() BridgeConfig {
	c := DefaultBridgeConfig()
	c.EngineSampleRate = getEnvAsIntOrDefault("BRIDGE_ENGINE_SAMPLE_RATE", c.EngineSampleRate)
	c.MinChunkDuration = getEnvAsDurationOrDefault("BRIDGE_MIN_CHUNK_DURATION", c.MinChunkDuration)
	c.InboundCapacity = getEnvAsIntOrDefault("BRIDGE_INBOUND_CAPACITY", c.InboundCapacity)
	c.OutboundCapacity = getEnvAsIntOrDefault("BRIDGE_OUTBOUND_CAPACITY", c.OutboundCapacity)
	c.PingInterval = getEnvAsDurationOrDefault("BRIDGE_PING_INTERVAL", c.PingInterval)
	c.MaxMissedPongs = getEnvAsIntOrDefault("BRIDGE_MAX_MISSED_PONGS", c.MaxMissedPongs)
	c.DrainTimeout = getEnvAsDurationOrDefault("BRIDGE_DRAIN_TIMEOUT", c.DrainTimeout)
	c.StartTimeout = getEnvAsDurationOrDefault("BRIDGE_START_TIMEOUT", c.StartTimeout)
	c.NegotiateTimeout = getEnvAsDurationOrDefault("BRIDGE_NEGOTIATE_TIMEOUT", c.NegotiateTimeout)
	c.WriteTimeout = getEnvAsDurationOrDefault("BRIDGE_WRITE_TIMEOUT", c.WriteTimeout)
	c.DefaultVoice = getEnvOrDefault("VOICE_ENGINE_VOICE", c.DefaultVoice)
	c.Normalize()
	return c
}

// Normalize replaces non-positive values with defaults
func (c *BridgeConfig) Normalize() {
	d := DefaultBridgeConfig()
	if c.EngineSampleRate <= 0 {
		c.EngineSampleRate = d.EngineSampleRate
	}
	if c.MinChunkDuration < 0 {
		c.MinChunkDuration = 0
	}
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = d.InboundCapacity
	}
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = d.OutboundCapacity
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = d.MaxMissedPongs
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = d.NegotiateTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = d.DefaultVoice
	}
}
