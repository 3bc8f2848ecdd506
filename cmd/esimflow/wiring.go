package main

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/adapter/executor"
	"github.com/neomorfeo/esimflow/internal/adapter/fsm"
	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/config"
	"github.com/neomorfeo/esimflow/internal/domain"
	"github.com/neomorfeo/esimflow/internal/logging"
)

// newLogger builds the process logger for component. CLI logs go to stderr
// so command output stays clean.
func newLogger(cfg config.Config, component string) (*zap.Logger, error) {
	var out io.Writer = os.Stdout
	if component == "cli" {
		out = os.Stderr
	}
	logger, err := logging.NewLogger(logging.Config{Component: component, Level: cfg.LogLevel, Output: out})
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// baseDeps wires the repositories of store into app.Deps. Audit entries go
// straight to the store.
func baseDeps(store *sqlite.Store, logger *zap.Logger) app.Deps {
	return app.Deps{
		Tenants:    store.Tenants(),
		Profiles:   store.Profiles(),
		Migrations: store.Migrations(),
		Artifacts:  store.Artifacts(),
		Validator:  fsm.New(),
		Audit:      app.NewAuditRecorder(store.Audit(), logger, nil),
		Logger:     logger,
	}
}

// deviceAdapters selects the executor and probe. Without EXECUTOR_COMMAND
// every action is simulated.
func deviceAdapters(cfg config.Config, logger *zap.Logger) (domain.DeploymentExecutor, domain.DeviceProbe) {
	if len(cfg.ExecutorCommand) == 0 {
		logger.Warn("no executor command configured, device actions are simulated")
		return executor.Simulated{}, executor.AssumeActive{}
	}
	cmd := executor.NewCommand(cfg.ExecutorCommand[0], cfg.ExecutorCommand[1:], logger)
	return cmd, cmd
}

func verifyPolicy(cfg config.Config) app.VerifyPolicy {
	return app.VerifyPolicy{
		Attempts:    cfg.VerifyAttempts,
		Delay:       cfg.VerifyDelay,
		MaxDelay:    cfg.VerifyMaxDelay,
		MaxDuration: cfg.VerifyMaxDuration,
	}
}

func executorTimeouts(cfg config.Config) app.Timeouts {
	return app.Timeouts{
		Deactivate: cfg.ExecutorDeactivateTimeout,
		Deploy:     cfg.ExecutorDeployTimeout,
	}
}

// formatTime renders timestamps in CLI output.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
