package vpn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ErrConnectivity is returned when the tunnel could not be brought up.
var ErrConnectivity = errors.New("vpn connectivity failure")

// Options tunes a Guard. Zero durations take the defaults below.
type Options struct {
	// Bypass reports the tunnel as connected without touching the provider.
	Bypass bool
	// SettleDelay is the wait between a connect command and the status re-check.
	// Negative disables it.
	SettleDelay time.Duration
	// RetryDelay is the first backoff interval; it doubles up to MaxDelay.
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Clock      clockwork.Clock
}

const (
	DefaultSettleDelay = 2 * time.Second
	DefaultRetryDelay  = 5 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Guard ensures a named tunnel is up.
type Guard struct {
	provider Provider
	opts     Options
}

// NewGuard creates a guard over provider.
func NewGuard(provider Provider, opts Options) *Guard {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Guard{provider: provider, opts: opts}
}

// Bypassed reports whether the guard skips all provider calls.
func (g *Guard) Bypassed() bool {
	return g.opts.Bypass
}

// EnsureConnected returns nil once the tunnel is up. It checks the current status
// first and only then issues connect commands, up to maxAttempts times with
// exponential backoff between attempts. Each attempt is bounded by timeoutPerAttempt
// (zero means unbounded). Failure wraps ErrConnectivity.
func (g *Guard) EnsureConnected(ctx context.Context, name string, timeoutPerAttempt time.Duration, maxAttempts int) error {
	logger := log.WithField("vpn", name)
	if g.opts.Bypass {
		logger.Info("VPN check bypassed")
		return nil
	}
	if name == "" {
		return fmt.Errorf("%w: no connection name configured", ErrConnectivity)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	up, err := g.isUp(ctx, name, timeoutPerAttempt)
	if err != nil {
		logger.WithError(err).Warn("VPN status check failed")
	} else if up {
		logger.Debug("VPN already connected")
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		logger.WithField("attempt", attempt).Infof("Connecting to VPN (attempt %d/%d)", attempt, maxAttempts)
		err := g.connectOnce(ctx, name, timeoutPerAttempt)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).Warnf("Connection attempt failed, retrying in %s", wait)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(g.retryPolicy(), uint64(maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: %q not connected after %d attempt(s): %w", ErrConnectivity, name, attempt, err)
	}
	logger.Info("Connected to VPN")
	return nil
}

// IsConnected reports the current tunnel status.
func (g *Guard) IsConnected(ctx context.Context, name string) (bool, error) {
	if g.opts.Bypass {
		return true, nil
	}
	return g.provider.IsUp(ctx, name)
}

// Disconnect tears the tunnel down if it is up.
func (g *Guard) Disconnect(ctx context.Context, name string) error {
	if g.opts.Bypass {
		log.WithField("vpn", name).Info("VPN disconnect bypassed")
		return nil
	}
	up, err := g.provider.IsUp(ctx, name)
	if err == nil && !up {
		return nil
	}
	if err := g.provider.Disconnect(ctx, name); err != nil {
		return fmt.Errorf("disconnect %q: %w", name, err)
	}
	return nil
}

func (g *Guard) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = g.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (g *Guard) isUp(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return g.provider.IsUp(ctx, name)
}

func (g *Guard) connectOnce(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if err := g.provider.Connect(ctx, name); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.opts.Clock.After(g.opts.SettleDelay):
	}

	up, err := g.provider.IsUp(ctx, name)
	if err != nil {
		return err
	}
	if !up {
		return errors.New("tunnel still down after connect")
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
