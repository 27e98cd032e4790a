package engine

import "time"

// Config controls fee math and retry policy. All amounts are minor
// units.
type Config struct {
	// FeeFixed is added to the 1% processor fee on every charge.
	FeeFixed int64
	// FeeCap bounds the base fee.
	FeeCap int64
	// RetrySurcharge is added on top of the capped fee for every
	// attempt after the first.
	RetrySurcharge int64
	// MaxRetries is the attempt count at which the owning group pauses.
	MaxRetries int64
	// RetryDelay is the wait before a failed payment is re-attempted.
	RetryDelay time.Duration
	// TxTimeout bounds one cycle run's transaction.
	TxTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FeeFixed <= 0 {
		c.FeeFixed = 30
	}
	if c.FeeCap <= 0 {
		c.FeeCap = 350
	}
	if c.RetrySurcharge <= 0 {
		c.RetrySurcharge = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 48 * time.Hour
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 30 * time.Second
	}
	return c
}

// Fee computes the processor fee for one charge attempt: 1% of amount
// plus a fixed component, capped, with a flat surcharge once the
// payment has failed before. The surcharge sits outside the cap so the
// fee never decreases across retries.
func (c Config) Fee(amount, retryCount int64) int64 {
	fee := amount/100 + c.FeeFixed
	if fee > c.FeeCap {
		fee = c.FeeCap
	}
	if retryCount >= 1 {
		fee += c.RetrySurcharge
	}
	return fee
}
