package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"snapsummary/internal/app"
	"snapsummary/internal/model"
	"snapsummary/internal/transport/http/response"
)

type AuthHandler struct {
	authService *app.AuthService
	logger      *slog.Logger
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Email    string `json:"email" binding:"required,email,max=128"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

func NewAuthHandler(authService *app.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Register(c.Request.Context(), app.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrUsernameExists):
			response.Error(c, http.StatusBadRequest, response.CodeUsernameExists, err.Error())
		case errors.Is(err, app.ErrEmailExists):
			response.Error(c, http.StatusBadRequest, response.CodeEmailExists, err.Error())
		default:
			writeError(c, h.logger, err, "register failed")
		}
		return
	}

	response.OK(c, authPayload(result))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.Login(c.Request.Context(), app.LoginInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredential) {
			response.Error(c, http.StatusUnauthorized, response.CodeInvalidCredentials, err.Error())
			return
		}
		writeError(c, h.logger, err, "login failed")
		return
	}

	response.OK(c, authPayload(result))
}

func (h *AuthHandler) Logout(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}
	if err := h.authService.Logout(c.Request.Context(), principal); err != nil {
		writeError(c, h.logger, err, "logout failed")
		return
	}
	response.OK(c, gin.H{"signed_out": true})
}

func (h *AuthHandler) Me(c *gin.Context) {
	principal, ok := principalOrAbort(c)
	if !ok {
		return
	}

	user, err := h.authService.GetUserByID(c.Request.Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "user not found")
			return
		}
		writeError(c, h.logger, err, "fetch current user failed")
		return
	}

	response.OK(c, userPayload(user))
}

func authPayload(result *app.AuthResult) gin.H {
	return gin.H{
		"token": result.Token,
		"user":  userPayload(result.User),
	}
}

func userPayload(user *model.User) gin.H {
	return gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
	}
}
