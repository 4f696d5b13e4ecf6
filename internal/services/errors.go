package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/provider"
	"github.com/openlot/lotsync/internal/resilience"
	appErrors "github.com/openlot/lotsync/pkg/errors"
)

// classifyRefreshError maps a refresh failure onto the API error taxonomy.
// The ordering matters: auth and configuration problems are permanent for the
// account and must not be reported as transient unavailability.
func classifyRefreshError(err error) *appErrors.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return appErrors.ErrProviderUnavailable.WithInternal(err)
	case provider.IsAuthFailure(err):
		return appErrors.ErrProviderAuth.WithInternal(err)
	case provider.IsConfigError(err), isConstraintViolation(err):
		return appErrors.ErrAccountConfig.WithInternal(err)
	case provider.IsRateLimited(err):
		return appErrors.ErrProviderRateLimited.WithInternal(err)
	case errors.Is(err, resilience.ErrBreakerOpen), errors.Is(err, resilience.ErrLimiterTimeout):
		return appErrors.ErrProviderUnavailable.WithInternal(err)
	case provider.IsTransient(err):
		return appErrors.ErrProviderUnavailable.WithInternal(err)
	default:
		return appErrors.ErrProviderUnavailable.WithInternal(err)
	}
}

// isConstraintViolation detects database writes rejected by schema constraints,
// which indicates account data mapped onto the wrong dealer rather than a
// transient storage fault.
func isConstraintViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "foreign key constraint") ||
		strings.Contains(msg, "constraint failed")
}
