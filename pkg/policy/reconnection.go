package policy

import (
	"time"

	"github.com/grafana/dskit/backoff"
)

// ExponentialReconnection builds the backoff schedule used when re-opening
// connections to a host that went down. Zero MaxRetries means the
// reconnection loop keeps trying until the host is removed.
func ExponentialReconnection(minDelay, maxDelay time.Duration) backoff.Config {
	return backoff.Config{
		MinBackoff: minDelay,
		MaxBackoff: maxDelay,
		MaxRetries: 0,
	}
}

// ConstantReconnection retries at a fixed interval.
func ConstantReconnection(delay time.Duration) backoff.Config {
	return backoff.Config{
		MinBackoff: delay,
		MaxBackoff: delay,
		MaxRetries: 0,
	}
}
