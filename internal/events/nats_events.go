package events

import (
	"log"
	"sync"
	"time"

	"go-txpipeline/internal/clients"
	"go-txpipeline/internal/config"
	"go-txpipeline/internal/models"
)

var (
	natsClient *clients.NATSClient
	natsOnce   sync.Once
)

// InitNATS connects the NATS client once. Publishing is optional: with NATS
// disabled the pipeline runs unchanged, only downstream consumers go quiet.
func InitNATS() error {
	var initErr error
	natsOnce.Do(func() {
		if config.AppConfig == nil || !config.AppConfig.NATS.Enabled || config.AppConfig.NATS.URL == "" {
			log.Println("NATS not configured, skipping initialization")
			return
		}

		client, err := clients.NewNATSClient(config.AppConfig.NATS)
		if err != nil {
			initErr = err
			return
		}
		natsClient = client
	})
	return initErr
}

// GetNATSClient returns the shared client, nil when NATS is disabled.
func GetNATSClient() *clients.NATSClient {
	return natsClient
}

// Close drains the shared client.
func Close() {
	if natsClient != nil {
		natsClient.Close()
	}
}

// IntentEvent is the wire payload published on intent transitions.
type IntentEvent struct {
	IntentID  string              `json:"intent_id"`
	IntentKey string              `json:"intent_key"`
	Status    models.IntentStatus `json:"status"`
	LastError string              `json:"last_error,omitempty"`
	EmittedAt string              `json:"emitted_at"`
}

// NATSIntentPublisher adapts the NATS client to the ledger's observer
// interface. Subjects follow <prefix>.intent.<status>.
type NATSIntentPublisher struct {
	client *clients.NATSClient
}

// NewNATSIntentPublisher creates the publisher observer.
func NewNATSIntentPublisher(client *clients.NATSClient) *NATSIntentPublisher {
	return &NATSIntentPublisher{client: client}
}

// IntentStatusChanged publishes the transition. Publish failures are logged
// and swallowed: event delivery never blocks or fails a pipeline transition.
func (p *NATSIntentPublisher) IntentStatusChanged(intent *models.Intent) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}

	event := IntentEvent{
		IntentID:  intent.ID,
		IntentKey: intent.IntentKey,
		Status:    intent.Status,
		LastError: intent.LastError,
		EmittedAt: time.Now().Format(time.RFC3339),
	}
	if err := p.client.PublishIntentEvent(string(intent.Status), event); err != nil {
		log.Printf("⚠️ [NATS] Failed to publish intent event: %v", err)
	}
}
