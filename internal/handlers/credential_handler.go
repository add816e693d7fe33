package handlers

import (
	"errors"
	"net/http"

	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CredentialHandler manages envelope-encrypted API credentials. Secrets are
// write-only over HTTP: they can be stored and deleted but never read back.
type CredentialHandler struct {
	credService *services.CredentialService
	logger      *logrus.Logger
}

// NewCredentialHandler creates the credential handler.
func NewCredentialHandler(credService *services.CredentialService, logger *logrus.Logger) *CredentialHandler {
	return &CredentialHandler{
		credService: credService,
		logger:      logger,
	}
}

// PutCredentialRequest stores or replaces a credential.
type PutCredentialRequest struct {
	Secret string            `json:"secret" binding:"required"`
	Meta   map[string]string `json:"meta"`
}

// PutCredential stores the caller's credential for a provider.
func (h *CredentialHandler) PutCredential(c *gin.Context) {
	provider := c.Param("provider")
	callerID := c.GetString("caller_id")

	var req PutCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "secret is required",
		})
		return
	}

	if err := h.credService.Put(c.Request.Context(), callerID, provider, req.Secret, req.Meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"caller_id": callerID,
		"provider":  provider,
	}).Info("Credential stored")

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetCredentialMeta returns the non-secret metadata for a credential.
func (h *CredentialHandler) GetCredentialMeta(c *gin.Context) {
	provider := c.Param("provider")
	callerID := c.GetString("caller_id")

	meta, err := h.credService.GetMeta(c.Request.Context(), callerID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "credential not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"meta":    meta,
	})
}

// DeleteCredential removes the caller's credential for a provider.
func (h *CredentialHandler) DeleteCredential(c *gin.Context) {
	provider := c.Param("provider")
	callerID := c.GetString("caller_id")

	if err := h.credService.Delete(c.Request.Context(), callerID, provider); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
