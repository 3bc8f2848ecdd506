package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// VerifyPolicy bounds how long the verifier polls a device.
type VerifyPolicy struct {
	Attempts    int
	Delay       time.Duration
	MaxDelay    time.Duration
	MaxDuration time.Duration
}

// DefaultVerifyPolicy polls up to six times, doubling from two seconds and
// giving up after two minutes.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		Attempts:    6,
		Delay:       2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxDuration: 2 * time.Minute,
	}
}

var errNotActive = errors.New("profile not reported active")

// ActivationVerifier confirms that a device reports a profile active,
// polling the probe with exponential backoff.
type ActivationVerifier struct {
	probe  domain.DeviceProbe
	policy VerifyPolicy
	clock  clock.Clock
	logger *zap.Logger
}

// NewActivationVerifier creates a verifier over probe.
func NewActivationVerifier(probe domain.DeviceProbe, policy VerifyPolicy, clk clock.Clock, logger *zap.Logger) *ActivationVerifier {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultVerifyPolicy()
	if policy.Delay <= 0 {
		policy.Delay = defaults.Delay
	}
	if policy.Attempts <= 0 && policy.MaxDuration <= 0 {
		policy.Attempts = defaults.Attempts
		policy.MaxDuration = defaults.MaxDuration
	}
	return &ActivationVerifier{probe: probe, policy: policy, clock: clk, logger: logger}
}

// Verify polls until the probe reports the profile active on deviceID, the
// policy is exhausted, or ctx ends. It returns a short human-readable outcome.
func (v *ActivationVerifier) Verify(ctx context.Context, profileID, deviceID string) (string, error) {
	attempts := 0
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			active, err := v.probe.Probe(ctx, profileID, deviceID)
			if err != nil {
				return err
			}
			if !active {
				return errNotActive
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			v.logger.Debug("activation not confirmed yet",
				zap.String("profile_id", profileID),
				zap.String("device_id", deviceID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts:    v.policy.Attempts,
		Delay:       v.policy.Delay,
		MaxDelay:    v.policy.MaxDelay,
		MaxDuration: v.policy.MaxDuration,
		BackoffFunc: retry.DoubleDelay,
		Clock:       v.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return "", fmt.Errorf("verifying activation after %d attempt(s): %w", attempts, retry.LastError(err))
	}
	return fmt.Sprintf("active after %d attempt(s)", attempts), nil
}
