package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/neomorfeo/esimflow/internal/domain"
)

var (
	_ domain.DeploymentExecutor = Simulated{}
	_ domain.DeviceProbe        = AssumeActive{}
)

// Simulated reports every action as successful. It is the development
// default when no executor command is configured.
type Simulated struct {
	// Latency is waited out before answering, bounded by the request timeout.
	Latency time.Duration
}

// Run pretends to perform req.
func (s Simulated) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if s.Latency > 0 {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return domain.ExecutionResult{Error: fmt.Sprintf("timed out after %s", req.Timeout)}, nil
		}
	}
	return domain.ExecutionResult{
		Success: true,
		Output:  fmt.Sprintf("simulated %s of profile %s on device %s", req.Action, req.ProfileID, req.DeviceID),
	}, nil
}

// AssumeActive is a probe that trusts the deploy step: it always reports
// the profile active.
type AssumeActive struct{}

// Probe always returns true.
func (AssumeActive) Probe(context.Context, string, string) (bool, error) {
	return true, nil
}
