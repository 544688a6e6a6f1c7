package middleware

import (
	"fmt"
	"net/http"

	"rillchat/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody is the JSON shape of every error the HTTP surface returns.
type errorBody struct {
	Error     errors.ErrorCode       `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func writeError(c *gin.Context, appErr *errors.AppError) {
	// A hijacked or already answered request has nowhere to put a body.
	if c.Writer.Written() {
		return
	}
	body := errorBody{
		Error:     appErr.Code,
		Message:   appErr.Message,
		RequestID: c.Writer.Header().Get(requestIDHeader),
	}
	if len(appErr.Context) > 0 {
		body.Details = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, body)
}

// ErrorHandlerMiddleware renders the last error attached by a handler.
// Errors that are not AppErrors become INTERNAL_ERROR without leaking text.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			appErr = errors.NewInternalError("internal server error")
		} else if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}
		writeError(c, appErr)
	}
}

// RecoveryMiddleware turns a handler panic into an INTERNAL_ERROR response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", fmt.Sprint(r),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				writeError(c, errors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
