package userbase

import "time"

// Config controls one Connection. Callers fill in AppID and leave the
// rest zero to take the defaults below (SPEC_FULL.md §10, Config).
type Config struct {
	AppID string

	// RequestTimeout bounds every outbound request's pending slot
	// (SPEC_FULL.md §5, Cancellation/timeouts).
	RequestTimeout time.Duration

	// ConnectTimeout bounds the initial handshake up through ValidateKey.
	ConnectTimeout time.Duration

	// RateLimitPerPeer and RateLimitBurst bound how many
	// ReceiveRequestForSeed pushes per requester public key are handed on
	// to SendSeed (SPEC_FULL.md §11, golang.org/x/time/rate). Grant
	// handling is not rate limited.
	RateLimitPerPeer float64
	RateLimitBurst   int

	// Logger receives this Connection's diagnostic output. Nil takes the
	// default: a *log.Logger writing to os.Stderr with a "[userbase] "
	// prefix (SPEC_FULL.md §10, Logging).
	Logger Logger
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RateLimitPerPeer <= 0 {
		c.RateLimitPerPeer = 1
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
}
