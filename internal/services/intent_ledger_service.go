package services

import (
	"context"
	"fmt"
	"log"

	"go-txpipeline/internal/metrics"
	"go-txpipeline/internal/models"
	"go-txpipeline/internal/repository"

	"github.com/google/uuid"
)

// IntentObserver receives intent status change notifications (NATS publisher,
// websocket push). Observers must not block; slow work belongs on their side.
type IntentObserver interface {
	IntentStatusChanged(intent *models.Intent)
}

// IntentLedgerService is the exactly-once entry point of the pipeline: it
// registers intents idempotently by intent_key and owns every status
// transition through a compare-and-set state machine.
type IntentLedgerService struct {
	intentRepo repository.IntentRepository
	sendRepo   repository.SendRepository
	observers  []IntentObserver
}

// NewIntentLedgerService creates the intent ledger service.
func NewIntentLedgerService(intentRepo repository.IntentRepository, sendRepo repository.SendRepository) *IntentLedgerService {
	return &IntentLedgerService{
		intentRepo: intentRepo,
		sendRepo:   sendRepo,
	}
}

// AddObserver registers a status change observer. Not safe to call after the
// pipeline starts; wiring happens once in the service container.
func (s *IntentLedgerService) AddObserver(obs IntentObserver) {
	s.observers = append(s.observers, obs)
}

// Register creates an intent for intent_key, or returns the existing one
// wrapped with ErrDuplicateIntent when the key is already registered. The
// duplicate path is benign: both the winner and the loser of a registration
// race receive the same intent row, and the loser's metadata is discarded.
func (s *IntentLedgerService) Register(ctx context.Context, intentKey, metadata string) (*models.Intent, error) {
	if intentKey == "" {
		return nil, fmt.Errorf("intent_key is required")
	}

	intent := &models.Intent{
		ID:        uuid.New().String(),
		IntentKey: intentKey,
		Status:    models.IntentStatusCreated,
		Metadata:  metadata,
	}

	err := s.intentRepo.Create(ctx, intent)
	if err == nil {
		metrics.IntentsRegistered.Inc()
		log.Printf("✅ [Ledger] Intent registered: ID=%s, Key=%s", intent.ID, intentKey)
		return intent, nil
	}

	if !repository.IsUniqueViolation(err) {
		return nil, fmt.Errorf("failed to register intent: %w", err)
	}

	// Lost the unique-constraint race (or a straight duplicate call):
	// hand back the winner's row untouched.
	existing, getErr := s.intentRepo.GetByKey(ctx, intentKey)
	if getErr != nil {
		return nil, fmt.Errorf("intent_key %s exists but lookup failed: %w", intentKey, getErr)
	}
	metrics.IntentsDeduplicated.Inc()
	log.Printf("🔁 [Ledger] Intent deduplicated: Key=%s -> existing ID=%s", intentKey, existing.ID)
	return existing, fmt.Errorf("intent_key %s: %w", intentKey, ErrDuplicateIntent)
}

// GetByKey returns the intent registered under intent_key.
func (s *IntentLedgerService) GetByKey(ctx context.Context, intentKey string) (*models.Intent, error) {
	return s.intentRepo.GetByKey(ctx, intentKey)
}

// GetByID returns the intent by surrogate id.
func (s *IntentLedgerService) GetByID(ctx context.Context, id string) (*models.Intent, error) {
	return s.intentRepo.GetByID(ctx, id)
}

// legalTransitions is the intent lifecycle state machine.
// sent -> sent covers fee-bump replacement (the old send gets replaced_by,
// the intent's status does not move). Terminal states have no exits.
var legalTransitions = map[models.IntentStatus][]models.IntentStatus{
	models.IntentStatusCreated:   {models.IntentStatusAllocated, models.IntentStatusFailed},
	models.IntentStatusAllocated: {models.IntentStatusSent, models.IntentStatusFailed},
	models.IntentStatusSent:      {models.IntentStatusSent, models.IntentStatusConfirmed, models.IntentStatusFailed, models.IntentStatusReplaced},
	models.IntentStatusReplaced:  {models.IntentStatusSent, models.IntentStatusConfirmed, models.IntentStatusFailed},
	models.IntentStatusConfirmed: {},
	models.IntentStatusFailed:    {},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to models.IntentStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves an intent from expected to next. The update is
// compare-and-set: it only lands if the stored status still equals expected,
// so concurrent broadcaster and reconciler writers cannot lose updates.
// Illegal moves fail with ErrInvalidTransition and are never applied.
func (s *IntentLedgerService) Transition(ctx context.Context, intentID string, expected, next models.IntentStatus, lastError string) error {
	if !CanTransition(expected, next) {
		log.Printf("❌ [Ledger] Illegal transition rejected: ID=%s %s -> %s", intentID, expected, next)
		return fmt.Errorf("intent %s: %s -> %s: %w", intentID, expected, next, ErrInvalidTransition)
	}

	if err := s.intentRepo.UpdateStatusCAS(ctx, intentID, expected, next, lastError); err != nil {
		return fmt.Errorf("transition %s -> %s for intent %s: %w", expected, next, intentID, err)
	}

	metrics.IntentTransitions.WithLabelValues(string(expected), string(next)).Inc()
	log.Printf("🔄 [Ledger] Intent %s: %s -> %s", intentID, expected, next)

	s.notify(ctx, intentID)
	return nil
}

// MarkFailed drives an intent to the terminal failed status from whatever
// non-terminal status it currently holds, recording a human-readable reason.
// Used when retries are exhausted; raw RPC errors must be summarized by the
// caller before they land in last_error.
func (s *IntentLedgerService) MarkFailed(ctx context.Context, intentID string, reason string) error {
	intent, err := s.intentRepo.GetByID(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status.IsTerminal() {
		return fmt.Errorf("intent %s already terminal (%s): %w", intentID, intent.Status, ErrInvalidTransition)
	}
	return s.Transition(ctx, intentID, intent.Status, models.IntentStatusFailed, reason)
}

func (s *IntentLedgerService) notify(ctx context.Context, intentID string) {
	if len(s.observers) == 0 {
		return
	}
	intent, err := s.intentRepo.GetByID(ctx, intentID)
	if err != nil {
		log.Printf("⚠️ [Ledger] Notify skipped, reload failed: %v", err)
		return
	}
	for _, obs := range s.observers {
		obs.IntentStatusChanged(intent)
	}
}
