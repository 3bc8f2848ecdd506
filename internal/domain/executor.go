package domain

import "time"

// Action is a device-side operation performed by the deployment executor.
type Action string

const (
	ActionDeactivate Action = "deactivate"
	ActionDeploy     Action = "deploy"
)

// ProfileParams is the profile data the executor needs to push a profile.
type ProfileParams struct {
	TenantID       string
	Provider       Provider
	ActivationCode string
	SMDPServerURL  string
}

// ExecutionRequest asks the executor to perform Action for a profile on a device.
type ExecutionRequest struct {
	Action    Action
	ProfileID string
	DeviceID  string
	Params    ProfileParams
	Timeout   time.Duration
}

// ExecutionResult is what the executor reported back.
type ExecutionResult struct {
	Success bool
	Output  string
	Error   string
}
