package middleware

import (
	"net/http"

	"streamguard/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Check if there are any errors
		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			// Try to extract AppError
			appErr := errors.GetAppError(err)
			if appErr != nil {
				log := logger.Warnw
				if appErr.HTTPStatus >= http.StatusInternalServerError {
					log = logger.Errorw
				}
				log("application error",
					"code", appErr.Code,
					"message", appErr.Message,
					"status", appErr.HTTPStatus,
					"retryable", appErr.Retryable,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"cause", appErr.Cause,
				)

				body := gin.H{
					"error":     string(appErr.Code),
					"message":   appErr.Message,
					"retryable": appErr.Retryable,
				}
				if len(appErr.Context) > 0 {
					body["details"] = appErr.Context
				}
				c.JSON(appErr.HTTPStatus, body)
				return
			}

			// Handle non-AppError errors
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.JSON(http.StatusInternalServerError, gin.H{
				"error":     string(errors.ErrCodeInternal),
				"message":   "Internal server error",
				"retryable": false,
			})
		}
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
