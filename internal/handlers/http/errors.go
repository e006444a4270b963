package http

import (
	"errors"

	"streamguard/internal/core/domain"
	apperrors "streamguard/pkg/errors"

	"github.com/gin-gonic/gin"
)

// toAppError maps domain failures onto API errors. Permission and
// acquisition failures are retryable: the user may grant access or free the
// device and try again.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrUnknownTier):
		appErr = apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrStreamNotFound):
		appErr = apperrors.NewNotFoundError("session")
	case errors.Is(err, domain.ErrDeviceNotFound):
		appErr = apperrors.NewNotFoundError("device")
	case errors.Is(err, domain.ErrNotPublishing):
		appErr = apperrors.NewNotFoundError("publisher")
	case errors.Is(err, domain.ErrSessionTerminal),
		errors.Is(err, domain.ErrSessionNotActive):
		appErr = apperrors.NewSessionStateError(err.Error())
	case errors.Is(err, domain.ErrSessionExists):
		appErr = apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrAlreadyLowestTier),
		errors.Is(err, domain.ErrAlreadyHighestTier):
		appErr = apperrors.NewConflictError(err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		appErr = apperrors.NewPermissionDeniedError("capture permission denied")
	case errors.Is(err, domain.ErrNoViableConstraints),
		errors.Is(err, domain.ErrNoDevices):
		appErr = apperrors.NewNoViableConstraintsError(err.Error())
	case errors.Is(err, domain.ErrDeviceAcquisitionFailed):
		appErr = apperrors.NewDeviceAcquisitionError("capture device could not be acquired")
	case errors.Is(err, domain.ErrCapabilitiesUnavailable),
		errors.Is(err, domain.ErrStatsUnavailable):
		appErr = apperrors.NewServiceUnavailableError(err.Error())
	default:
		appErr = apperrors.NewInternalError("internal error")
	}
	return appErr.WithCause(err)
}

// respondError hands err to the error handler middleware.
func respondError(c *gin.Context, err error) {
	_ = c.Error(toAppError(err))
	c.Abort()
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
	c.Abort()
}
