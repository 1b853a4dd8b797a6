package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys on the shared events exchange.
const (
	RoutingKeyTransferCompleted   = "ledger.transfer.completed"
	RoutingKeyAccountOpened       = "ledger.account.opened"
	RoutingKeyIdentityProvisioned = "identity.provisioned"
)

// TransferCompletedEvent is published after a transfer commits.
type TransferCompletedEvent struct {
	EventID            string          `json:"event_id"`
	TransferID         string          `json:"transfer_id"`
	SourceOwnerID      string          `json:"source_owner_id"`
	DestinationOwnerID string          `json:"destination_owner_id"`
	Amount             decimal.Decimal `json:"amount"`
	OccurredAt         time.Time       `json:"occurred_at"`
}

// AccountOpenedEvent is published when provisioning creates a new account.
type AccountOpenedEvent struct {
	EventID        string          `json:"event_id"`
	OwnerID        string          `json:"owner_id"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// IdentityProvisionedEvent is emitted by the identity provider when a party registers.
// InitialBalance is optional; when absent the service draws a seed balance.
type IdentityProvisionedEvent struct {
	EventID        string           `json:"event_id"`
	OwnerID        string           `json:"owner_id"`
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}
