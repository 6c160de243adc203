package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/transport/http/response"
)

// multipartOverhead is the slack allowed on top of the file for form fields and boundaries.
const multipartOverhead = 64 << 10

type UploadHandler struct {
	uploadService *app.UploadService
	maxBytes      int64
	signedURLTTL  time.Duration
	logger        *slog.Logger
}

func NewUploadHandler(uploadService *app.UploadService, maxBytes int64, signedURLTTL time.Duration, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		uploadService: uploadService,
		maxBytes:      maxBytes,
		signedURLTTL:  signedURLTTL,
		logger:        logger,
	}
}

// Create accepts multipart form fields "file" and "display_name".
func (h *UploadHandler) Create(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge, "file exceeds size limit")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file is required")
		return
	}

	data, err := readPart(fileHeader, h.maxBytes)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "read file failed")
		return
	}

	displayName := c.PostForm("display_name")
	if strings.TrimSpace(displayName) == "" {
		displayName = fileHeader.Filename
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	record, err := h.uploadService.Submit(c.Request.Context(), principal, app.SubmitInput{
		DisplayName: displayName,
		FileName:    fileHeader.Filename,
		MIMEType:    mimeType,
		Data:        data,
		SizeLimit:   h.maxBytes,
	})
	if err != nil {
		writeError(c, h.logger, err, "upload failed")
		return
	}

	response.OK(c, record)
}

func (h *UploadHandler) List(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			limit = parsed
		}
	}

	records, err := h.uploadService.List(c.Request.Context(), principal, limit)
	if err != nil {
		writeError(c, h.logger, err, "list uploads failed")
		return
	}
	response.OK(c, records)
}

func (h *UploadHandler) Latest(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	record, err := h.uploadService.Latest(c.Request.Context(), principal)
	if err != nil {
		writeError(c, h.logger, err, "get latest upload failed")
		return
	}
	response.OK(c, record)
}

func (h *UploadHandler) SignedURL(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}
	uploadID, ok := uploadIDParam(c)
	if !ok {
		return
	}

	url, err := h.uploadService.SignedURL(c.Request.Context(), principal, uploadID, h.signedURLTTL)
	if err != nil {
		writeError(c, h.logger, err, "sign url failed")
		return
	}
	response.OK(c, gin.H{
		"url":        url,
		"expires_in": int(h.signedURLTTL.Seconds()),
	})
}

// readPart reads at most limit+1 bytes so an oversize file is still reported by size.
func readPart(fileHeader *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit+1))
}

func uploadIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid upload id")
		return 0, false
	}
	return uint(id), true
}
