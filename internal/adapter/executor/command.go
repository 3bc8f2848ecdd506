// Package executor adapts device-side deployment tooling to the
// orchestrator's executor and probe ports.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// actionVerify asks the command whether a profile is active on a device.
const actionVerify = "verify"

var (
	_ domain.DeploymentExecutor = (*Command)(nil)
	_ domain.DeviceProbe        = (*Command)(nil)
)

// Command runs an external program once per action. The program receives
// the request as flags; exit status 0 means success, stdout is the output
// and stderr the failure detail.
type Command struct {
	Path string
	// Args are placed before the request flags.
	Args []string
	// ProbeTimeout bounds a verify invocation. Zero means no bound beyond ctx.
	ProbeTimeout time.Duration
	Logger       *zap.Logger
}

// NewCommand creates an executor running path with the given leading args.
func NewCommand(path string, args []string, logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{Path: path, Args: args, ProbeTimeout: 30 * time.Second, Logger: logger}
}

// Run performs req.Action under req.Timeout. Exhausting the timeout is a
// failed result, not an error.
func (c *Command) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	stdout, stderr, err := c.invoke(ctx, string(req.Action), req.ProfileID, req.DeviceID, req.Params, req.Timeout)

	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.logger().Warn("executor timed out",
			zap.String("action", string(req.Action)),
			zap.String("profile_id", req.ProfileID),
			zap.String("device_id", req.DeviceID),
			zap.Duration("timeout", req.Timeout),
		)
		return domain.ExecutionResult{Output: stdout, Error: fmt.Sprintf("timed out after %s", req.Timeout)}, nil
	case errors.As(err, &exitErr):
		detail := stderr
		if detail == "" {
			detail = exitErr.Error()
		}
		c.logger().Warn("executor reported failure",
			zap.String("action", string(req.Action)),
			zap.String("profile_id", req.ProfileID),
			zap.String("device_id", req.DeviceID),
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.String("stderr", stderr),
		)
		return domain.ExecutionResult{Output: stdout, Error: detail}, nil
	case err != nil:
		return domain.ExecutionResult{}, fmt.Errorf("running executor %s: %w", c.Path, err)
	}

	return domain.ExecutionResult{Success: true, Output: stdout}, nil
}

// Probe runs the verify action. A non-zero exit means "not active yet".
func (c *Command) Probe(ctx context.Context, profileID, deviceID string) (bool, error) {
	_, _, err := c.invoke(ctx, actionVerify, profileID, deviceID, domain.ProfileParams{}, c.ProbeTimeout)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &exitErr):
		return false, nil
	default:
		return false, fmt.Errorf("running executor %s: %w", c.Path, err)
	}
}

// invoke runs the command and returns trimmed stdout and stderr. A timeout
// is reported as context.DeadlineExceeded.
func (c *Command) invoke(ctx context.Context, action, profileID, deviceID string, params domain.ProfileParams, timeout time.Duration) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.Args...),
		"--action", action,
		"--profile-id", profileID,
		"--device-id", deviceID,
	)
	if params.TenantID != "" {
		args = append(args, "--tenant-id", params.TenantID)
	}
	if params.Provider != "" {
		args = append(args, "--provider", string(params.Provider))
	}
	if params.ActivationCode != "" {
		args = append(args, "--activation-code", params.ActivationCode)
	}
	if params.SMDPServerURL != "" {
		args = append(args, "--smdp-server-url", params.SMDPServerURL)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

func (c *Command) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
