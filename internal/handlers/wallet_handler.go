package handlers

import (
	"errors"
	"net/http"

	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WalletHandler manages signing wallets over the admin API.
type WalletHandler struct {
	walletService *services.WalletService
	logger        *logrus.Logger
}

// NewWalletHandler creates the wallet handler.
func NewWalletHandler(walletService *services.WalletService, logger *logrus.Logger) *WalletHandler {
	return &WalletHandler{
		walletService: walletService,
		logger:        logger,
	}
}

// ImportWalletRequest carries a plaintext private key. This payload is the
// only place a key crosses the wire; it must never appear in logs.
type ImportWalletRequest struct {
	PrivateKey string `json:"private_key" binding:"required"`
	Label      string `json:"label"`
}

// ImportWallet encrypts a signing key into the vault.
func (h *WalletHandler) ImportWallet(c *gin.Context) {
	var req ImportWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "private_key is required",
		})
		return
	}

	wallet, err := h.walletService.ImportPrivateKey(c.Request.Context(), req.PrivateKey, req.Label)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"label": req.Label,
			"admin": c.GetString("admin_username"),
		}).Warnf("Wallet import failed: %v", err)

		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"address": wallet.Address,
		"label":   wallet.Label,
		"admin":   c.GetString("admin_username"),
	}).Info("Signing wallet imported")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"address": wallet.Address,
		"label":   wallet.Label,
	})
}

// GetWallet returns wallet status by address; the encrypted blob never
// serializes (json:"-" on the model).
func (h *WalletHandler) GetWallet(c *gin.Context) {
	address := c.Param("address")

	wallet, err := h.walletService.GetWallet(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "wallet not found",
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
		"wallet":  wallet,
	})
}
