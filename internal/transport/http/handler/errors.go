package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/transport/http/middleware"
	"snapsummary/internal/transport/http/response"
)

type failure struct {
	status  int
	code    int
	message string
	data    any
}

// classifyError maps coordinator error kinds onto a client-safe failure.
// Upstream error text never reaches the message.
func classifyError(err error, fallback string) failure {
	if key, ok := app.IsOrphanedBlob(err); ok {
		return failure{http.StatusInternalServerError, response.CodeOrphanedBlob,
			"upload failed and cleanup did not complete", gin.H{"object_key": key}}
	}

	switch {
	case errors.Is(err, app.ErrValidation):
		return failure{http.StatusBadRequest, response.CodeBadRequest, err.Error(), nil}
	case errors.Is(err, app.ErrAuth):
		return failure{http.StatusUnauthorized, response.CodeUnauthorized, "authentication required", nil}
	case errors.Is(err, app.ErrSessionNotFound):
		return failure{http.StatusNotFound, response.CodeSessionNotFound, "session not found", nil}
	case errors.Is(err, app.ErrNotFound):
		return failure{http.StatusNotFound, response.CodeNotFound, err.Error(), nil}
	case errors.Is(err, app.ErrTimeout):
		return failure{http.StatusGatewayTimeout, response.CodeTimeout, "upstream timed out, try again later", nil}
	case errors.Is(err, app.ErrStorage):
		return failure{http.StatusBadGateway, response.CodeStorage, "image storage unavailable, try again later", nil}
	case errors.Is(err, app.ErrMetadata):
		return failure{http.StatusBadGateway, response.CodeMetadata, "metadata store unavailable, try again later", nil}
	case errors.Is(err, app.ErrInference):
		return failure{http.StatusBadGateway, response.CodeInference, "model unavailable, try again later", nil}
	case errors.Is(err, app.ErrMessageEnqueue):
		return failure{http.StatusServiceUnavailable, response.CodeUnavailable, "message enqueue failed", nil}
	default:
		return failure{http.StatusInternalServerError, response.CodeInternalServer, fallback, nil}
	}
}

func writeError(c *gin.Context, logger *slog.Logger, err error, fallback string) {
	f := classifyError(err, fallback)
	if f.status >= http.StatusInternalServerError {
		logger.Error(fallback, slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	if f.data != nil {
		response.ErrorWithData(c, f.status, f.code, f.message, f.data)
		return
	}
	response.Error(c, f.status, f.code, f.message)
}

func principalOrAbort(c *gin.Context) (app.Principal, bool) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
	}
	return principal, ok
}
