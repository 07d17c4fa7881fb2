// Package backoff centralizes retry wait calculation so the growth curve
// can be tested independently of any I/O.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the wait before retry attempt n (0-based: attempt 0
// yields the initial backoff).
type Strategy interface {
	Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// Exponential grows the wait geometrically (initial * multiplier^attempt)
// up to the ceiling, with optional uniform jitter. With multiplier 2 and
// jitter 0 this is plain doubling with exact, reproducible waits.
type Exponential struct{}

func (Exponential) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Bound the exponent so the float math cannot overflow.
	if attempt > 30 {
		attempt = 30
	}

	wait := time.Duration(float64(initial) * Pow(multiplier, attempt))
	if wait < 0 || wait > max {
		wait = max
	}

	jitter = clamp(jitter)
	if jitter > 0 {
		extra := time.Duration(float64(wait) * jitter * rand.Float64())
		if wait+extra > max {
			wait = max
		} else {
			wait += extra
		}
	}
	return wait
}

// DecorrelatedJitter implements AWS-style decorrelated jitter: a random
// wait between the base and min(ceiling, base*3^attempt). Smoother tail
// latencies than exponential jitter when many clients retry together.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Calculate(attempt int, initial, max time.Duration, _, _ float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * Pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	wait := time.Duration(base + rand.Float64()*(upper-base))
	if wait < 0 || wait > max {
		wait = max
	}
	return wait
}

// Calculator binds a strategy to the Calculate call sites.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a calculator using the given strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// NewExponentialCalculator returns a calculator for the default doubling
// strategy.
func NewExponentialCalculator() *Calculator {
	return NewCalculator(Exponential{})
}

// NewDecorrelatedJitterCalculator returns a calculator for AWS-style
// decorrelated jitter.
func NewDecorrelatedJitterCalculator() *Calculator {
	return NewCalculator(DecorrelatedJitter{})
}

// Calculate delegates to the configured strategy.
func (c *Calculator) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	return c.strategy.Calculate(attempt, initial, max, multiplier, jitter)
}

// Strategy returns the strategy in use.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Pow is integer exponentiation for float64 bases.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

func clamp(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
