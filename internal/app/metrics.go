package app

import (
	"time"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Metrics receives operational counters from the services.
type Metrics interface {
	MigrationFinished(status domain.MigrationStatus)
	StepFinished(step domain.StepName, success bool, elapsed time.Duration)
	AccessDenied(reason domain.DenialReason)
	ArtifactsPurged(n int)
}

type noopMetrics struct{}

func (noopMetrics) MigrationFinished(domain.MigrationStatus)          {}
func (noopMetrics) StepFinished(domain.StepName, bool, time.Duration) {}
func (noopMetrics) AccessDenied(domain.DenialReason)                  {}
func (noopMetrics) ArtifactsPurged(int)                               {}
