package http

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
	"github.com/neomorfeo/esimflow/internal/logging"
)

var errUnauthenticated = huma.Error401Unauthorized("missing bearer token")

// toHumaError translates domain errors to Huma HTTP errors. Unclassified
// errors are logged and hidden behind a 500.
func toHumaError(ctx context.Context, fallback *zap.Logger, err error) error {
	var herr huma.StatusError
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		herr = huma.Error404NotFound(notFoundMessage(err))
	case domain.KindForbidden:
		herr = huma.Error403Forbidden(err.Error())
	case domain.KindConflict:
		herr = huma.Error409Conflict(err.Error())
	case domain.KindInvalidState:
		herr = huma.Error422UnprocessableEntity(err.Error())
	case domain.KindExecutorFailure:
		herr = huma.Error502BadGateway(err.Error())
	case domain.KindValidation:
		herr = huma.Error400BadRequest(err.Error())
	default:
		logging.FromContext(ctx, fallback).Error("request failed", zap.Error(err))
		herr = huma.Error500InternalServerError("internal server error")
	}
	return withMigration(err, herr)
}

// migrationError ties an error to the migration the request left behind.
type migrationError struct {
	err       error
	migration domain.Migration
}

func (e *migrationError) Error() string { return e.err.Error() }
func (e *migrationError) Unwrap() error { return e.err }

// failedMigration attaches m to err when the service returned one.
func failedMigration(m domain.Migration, err error) error {
	if m.ID == "" {
		return err
	}
	return &migrationError{err: err, migration: m}
}

// MigrationErrorModel is a problem detail that also reports the state of the
// migration, so a failed execute or rollback shows its step log.
type MigrationErrorModel struct {
	*huma.ErrorModel
	Migration MigrationResponse `json:"migration"`
}

func withMigration(err error, herr huma.StatusError) error {
	var merr *migrationError
	model, ok := herr.(*huma.ErrorModel)
	if !ok || !errors.As(err, &merr) {
		return herr
	}
	return &MigrationErrorModel{ErrorModel: model, Migration: toMigrationResponse(merr.migration)}
}

// notFoundMessage keeps the entity name but never hints at another tenant.
func notFoundMessage(err error) string {
	for _, sentinel := range []error{
		domain.ErrProfileNotFound,
		domain.ErrMigrationNotFound,
		domain.ErrArtifactNotFound,
		domain.ErrTenantNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return domain.ErrNotFound.Error()
}
