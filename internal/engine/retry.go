package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Clock отделяет движок от реального времени
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock возвращает системные часы
func RealClock() Clock { return realClock{} }

// RetryPolicy описывает экспоненциальный backoff с jitter.
// MaxRetries == 0 - без ограничения числа попыток.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxRetries      int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
		MaxRetries:      10,
	}
}

// Backoff - состояние одной серии повторов
type Backoff struct {
	policy   RetryPolicy
	exp      *backoff.ExponentialBackOff
	attempts int
}

func (p RetryPolicy) NewBackoff() *Backoff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		exp.Multiplier = p.Multiplier
	}
	exp.RandomizationFactor = p.Jitter
	exp.Reset()
	return &Backoff{policy: p, exp: exp}
}

// Next возвращает задержку перед следующей попыткой; false - попытки исчерпаны
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxRetries > 0 && b.attempts >= b.policy.MaxRetries {
		return 0, false
	}
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	b.attempts++
	return d, true
}

func (b *Backoff) Attempts() int { return b.attempts }

func (b *Backoff) Reset() {
	b.attempts = 0
	b.exp.Reset()
}
