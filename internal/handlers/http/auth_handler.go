package http

import (
	"net/http"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/core/services"
	"chatcall/pkg/errors"
	"chatcall/pkg/utils"
	"chatcall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler issues bridge and API tokens. Identity is asserted by the
// caller; deployments front it with their own login.
type AuthHandler struct {
	authService services.AuthService
	contacts    ports.ContactStore
	logger      *zap.SugaredLogger
}

func NewAuthHandler(authService services.AuthService, contacts ports.ContactStore, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		contacts:    contacts,
		logger:      logger,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	contact, err := contactFromRequest(req.UserID, req.DisplayName, req.AvatarURL)
	if err != nil {
		c.Error(err)
		return
	}

	if err := h.contacts.Put(c.Request.Context(), contact); err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "failed to store contact", http.StatusServiceUnavailable))
		return
	}

	token, err := h.authService.GenerateToken(contact.UserID, contact.DisplayName)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	h.logger.Infow("token issued", "user_id", contact.UserID)
	c.JSON(http.StatusCreated, gin.H{
		"user_id":      contact.UserID,
		"display_name": contact.DisplayName,
		"access_token": token,
		"expires_in":   int(h.authService.TokenTTL().Seconds()),
	})
}

func contactFromRequest(userID, displayName, avatarURL string) (domain.Contact, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return domain.Contact{}, errors.NewInvalidInputError(err.Error())
	}
	displayName = utils.SanitizeString(displayName)
	if displayName == "" {
		displayName = userID
	}
	displayName = utils.TruncateString(displayName, validation.MaxDisplayNameLength)
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return domain.Contact{}, errors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateAvatarURL(avatarURL); err != nil {
		return domain.Contact{}, errors.NewInvalidInputError(err.Error())
	}
	return domain.Contact{
		UserID:      domain.UserID(userID),
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	}, nil
}
