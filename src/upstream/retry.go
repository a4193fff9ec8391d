package upstream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retry behaviour of one upstream call. A Factor of 1
// gives fixed-interval retries; higher factors back off exponentially.
// Jitter is the randomization factor applied to each delay.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   float64       `mapstructure:"jitter"`
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.Multiplier = p.Factor
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	return backoff.WithMaxRetries(b, uint64(attempts-1))
}
