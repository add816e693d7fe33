package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"
	"go-txpipeline/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IntentHandler exposes the intent pipeline over HTTP.
type IntentHandler struct {
	ledger      *services.IntentLedgerService
	broadcaster *services.BroadcasterService
	reconciler  *services.ReconcilerService
	sendRepo    repository.SendRepository
	receiptRepo repository.ReceiptRepository
	logger      *logrus.Logger
}

// NewIntentHandler creates the intent handler.
func NewIntentHandler(
	ledger *services.IntentLedgerService,
	broadcaster *services.BroadcasterService,
	reconciler *services.ReconcilerService,
	sendRepo repository.SendRepository,
	receiptRepo repository.ReceiptRepository,
	logger *logrus.Logger,
) *IntentHandler {
	return &IntentHandler{
		ledger:      ledger,
		broadcaster: broadcaster,
		reconciler:  reconciler,
		sendRepo:    sendRepo,
		receiptRepo: receiptRepo,
		logger:      logger,
	}
}

// RegisterIntentRequest is the submission payload. Value is a decimal wei
// string, Data is 0x-prefixed hex.
type RegisterIntentRequest struct {
	IntentKey      string `json:"intent_key" binding:"required"`
	ChainID        uint64 `json:"chain_id" binding:"required"`
	SigningAddress string `json:"signing_address" binding:"required"`
	To             string `json:"to" binding:"required"`
	Value          string `json:"value"`
	Data           string `json:"data"`
	Metadata       string `json:"metadata"`
}

// RegisterIntent registers an intent and starts its broadcast. Duplicate keys
// return the existing intent with deduplicated=true; a duplicate whose first
// broadcast never got past allocation is driven again, so re-registering is
// the caller's retry path for transient failures.
func (h *IntentHandler) RegisterIntent(c *gin.Context) {
	var req RegisterIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	call, err := buildCall(req.To, req.Value, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	intent, err := h.ledger.Register(c.Request.Context(), req.IntentKey, req.Metadata)
	if errors.Is(err, services.ErrDuplicateIntent) {
		// still created means the earlier broadcast hit a recoverable
		// allocation failure; the ledger's CAS makes a concurrent re-drive safe
		rebroadcast := intent.Status == models.IntentStatusCreated
		if rebroadcast {
			h.startBroadcast(intent, req.SigningAddress, req.ChainID, call)
		}

		h.logger.WithFields(logrus.Fields{
			"intent_key":  req.IntentKey,
			"intent_id":   intent.ID,
			"rebroadcast": rebroadcast,
		}).Info("Intent registration deduplicated")

		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"deduplicated": true,
			"intent":       intent,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.startBroadcast(intent, req.SigningAddress, req.ChainID, call)

	c.JSON(http.StatusCreated, gin.H{
		"success":      true,
		"deduplicated": false,
		"intent":       intent,
	})
}

// startBroadcast runs the allocate+sign+submit path detached; callers follow
// progress via GET or the websocket push.
func (h *IntentHandler) startBroadcast(intent *models.Intent, signingAddress string, chainID uint64, call *services.BuiltCall) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := h.broadcaster.Execute(ctx, intent, signingAddress, chainID, call); err != nil {
			h.logger.WithFields(logrus.Fields{
				"intent_id":  intent.ID,
				"intent_key": intent.IntentKey,
				"error":      err.Error(),
			}).Warn("Intent broadcast failed")
		}
	}()
}

// GetIntent returns the intent, its sends and any receipt by intent_key.
func (h *IntentHandler) GetIntent(c *gin.Context) {
	intentKey := c.Param("key")

	intent, err := h.ledger.GetByKey(c.Request.Context(), intentKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "intent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	sends, err := h.sendRepo.FindByIntent(c.Request.Context(), intent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	var receipt *models.Receipt
	for _, send := range sends {
		if send.TxHash == "" {
			continue
		}
		if r, err := h.receiptRepo.GetByTxHash(c.Request.Context(), send.TxHash); err == nil {
			receipt = r
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"intent":  intent,
		"sends":   sends,
		"receipt": receipt,
	})
}

// ForceReplace is the operator endpoint for an immediate fee-bump of an
// intent's live send.
func (h *IntentHandler) ForceReplace(c *gin.Context) {
	intentID := c.Param("id")

	send, err := h.reconciler.ForceReplace(c.Request.Context(), intentID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, repository.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, services.ErrInvalidTransition),
			errors.Is(err, services.ErrUnderpricedReplacement):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"intent_id": intentID,
		"tx_hash":   send.TxHash,
		"nonce":     send.Nonce,
		"admin":     c.GetString("admin_username"),
	}).Info("Manual replacement broadcast")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"send":    send,
	})
}

func buildCall(to, value, data string) (*services.BuiltCall, error) {
	call := &services.BuiltCall{To: to}

	if value != "" {
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, errors.New("value must be a decimal wei string")
		}
		call.Value = v
	}

	if data != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
		if err != nil {
			return nil, errors.New("data must be hex encoded")
		}
		call.Data = raw
	}

	return call, call.Validate()
}
