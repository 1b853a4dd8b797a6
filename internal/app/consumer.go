package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
)

// AccountOpener is the slice of Service the provisioning consumer needs.
type AccountOpener interface {
	OpenAccount(ctx context.Context, owner string, initial *decimal.Decimal) (domain.Account, bool, error)
}

// ProvisioningConsumer opens a ledger account whenever the identity provider reports a
// newly registered owner.
type ProvisioningConsumer struct {
	accounts AccountOpener
	log      *logger.Logger
	timeout  time.Duration
}

func NewProvisioningConsumer(accounts AccountOpener, log *logger.Logger) *ProvisioningConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &ProvisioningConsumer{
		accounts: accounts,
		log:      log.Component("provisioning_consumer"),
		timeout:  15 * time.Second,
	}
}

// HandleMessage returns true when the message should be acked. Malformed or invalid events
// are acked so they do not loop; transient failures return false to requeue.
func (c *ProvisioningConsumer) HandleMessage(body []byte) bool {
	var event domain.IdentityProvisionedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn("failed to unmarshal payload; dropping", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	account, created, err := c.accounts.OpenAccount(ctx, event.OwnerID, event.InitialBalance)
	if err != nil {
		if domain.IsRejection(err) {
			c.log.Warn("invalid provisioning event; dropping", "event_id", event.EventID, "owner_id", event.OwnerID, "error", err)
			return true
		}
		c.log.Error("account provisioning failed; will retry", "event_id", event.EventID, "owner_id", event.OwnerID, "error", err)
		return false
	}

	if !created {
		c.log.Info("account already provisioned; acknowledging", "event_id", event.EventID, "owner_id", account.OwnerID)
	}
	return true
}
