package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/transport/http/response"
)

type SummaryHandler struct {
	summaryService *app.SummaryService
	logger         *slog.Logger
}

func NewSummaryHandler(summaryService *app.SummaryService, logger *slog.Logger) *SummaryHandler {
	return &SummaryHandler{summaryService: summaryService, logger: logger}
}

func (h *SummaryHandler) SummarizeLatest(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	record, err := h.summaryService.SummarizeLatest(c.Request.Context(), principal)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			response.Error(c, http.StatusNotFound, response.CodeNothingToSummarize, "nothing to summarize, upload an image first")
			return
		}
		writeError(c, h.logger, err, "summarize failed")
		return
	}
	response.OK(c, record)
}

func (h *SummaryHandler) SummarizeUpload(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}
	uploadID, ok := uploadIDParam(c)
	if !ok {
		return
	}

	record, err := h.summaryService.Summarize(c.Request.Context(), principal, uploadID)
	if err != nil {
		writeError(c, h.logger, err, "summarize failed")
		return
	}
	response.OK(c, record)
}
