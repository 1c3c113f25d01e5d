package store

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time capture of all holder balances. Immutable
// once written; the most recent row by created_at is the current one.
type Snapshot struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	TotalHolders int
	TotalSupply  int64
}

// Balance is one wallet's balance within a snapshot, in the token's
// smallest unit.
type Balance struct {
	Wallet  string
	Balance int64
}

// ExcludedWallet is a wallet disqualified from receiving rewards
// (pools, team, exchanges).
type ExcludedWallet struct {
	Wallet    string
	Reason    string
	CreatedAt time.Time
}

// CreatorReward is one inbound revenue event, recorded from the webhook
// stream and consumed by the buyback cycle. TxSignature is the
// idempotency key against redelivery.
type CreatorReward struct {
	ID          uuid.UUID
	TxSignature string
	Amount      int64 // lamports
	Source      string
	Processed   bool
	ReceivedAt  time.Time
}

// Buyback is a single revenue-to-reward-token conversion. TxSignature is
// unique, which makes recording at-most-once under retried submission.
type Buyback struct {
	ID           uuid.UUID
	TxSignature  string
	SOLAmount    int64 // lamports spent
	RewardAmount int64 // reward token base units received
	PricePerUnit float64
	CreatedAt    time.Time
}

// Distribution is one completed distribution cycle: the durable proof
// the cycle ran. Created only after all recipient transfers resolved.
type Distribution struct {
	ID             uuid.UUID
	PoolAmount     int64
	PoolValueUSD   float64
	TotalSupply    int64 // eligible supply the shares were computed from
	RecipientCount int
	TriggerType    string
	CreatedAt      time.Time
}

// DistributionRecipient is one wallet's payout within a distribution.
// A NULL TxSignature marks a transfer that permanently failed and needs
// reconciliation; AmountReceived is zero in that case.
type DistributionRecipient struct {
	DistributionID uuid.UUID
	Wallet         string
	Balance        int64
	AmountReceived int64
	TxSignature    *string
}

// WebhookEvent records a processed webhook transaction signature. The
// primary key is the dedup boundary against at-least-once delivery.
type WebhookEvent struct {
	TxSignature string
	EventType   string
	ReceivedAt  time.Time
}

// SystemStats are cached aggregate counters for fast reads. Derived,
// never authoritative.
type SystemStats struct {
	TotalHolders       int
	TotalDistributed   int64
	TotalBuybackSOL    int64
	LastSnapshotAt     *time.Time
	LastDistributionAt *time.Time
	UpdatedAt          time.Time
}
