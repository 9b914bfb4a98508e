// Package store holds the GORM-backed persistence layer: table definitions
// and repositories for the components that require durability: the replay
// cache, the reconciliation queue, and the canonical ledger.
package store

import "time"

// ReplayRecord persists a consumed mandate_id for the durable Replay Cache.
type ReplayRecord struct {
	MandateID string `gorm:"primaryKey;size:128"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TableName pins the table name explicitly rather than relying on GORM's
// pluralization of the Go type name.
func (ReplayRecord) TableName() string { return "replay_cache" }

// ProcessedWebhookEvent dedups inbound webhook deliveries by (provider, event_id).
type ProcessedWebhookEvent struct {
	Provider  string `gorm:"primaryKey;size:64"`
	EventID   string `gorm:"primaryKey;size:128"`
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

func (ProcessedWebhookEvent) TableName() string { return "processed_webhook_events" }

// PendingReconciliationRecord is the durable form of a pending reconciliation break.
type PendingReconciliationRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	MandateID     string `gorm:"index;size:128"`
	ChainTxHash   string
	Chain         string
	AuditAnchor   string
	FromWallet    string
	ToWallet      string
	Amount        string
	Currency      string
	Subject       string
	Issuer        string
	Domain        string
	Purpose       string
	Status        string // pending, resolved, failed
	Error         string
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (PendingReconciliationRecord) TableName() string { return "reconciliation_breaks" }

// LedgerEntryRecord is the durable form of a ledger entry. The amount is
// stored as its canonical decimal string, never a float.
type LedgerEntryRecord struct {
	TxID        string `gorm:"primaryKey;size:64"`
	MandateID   string `gorm:"uniqueIndex;size:128"`
	FromWallet  string
	ToWallet    string
	AmountStr   string
	Currency    string
	Chain       string
	ChainTxHash string
	AuditAnchor string
	LeafHash    string
	LeafIndex   int64
	CreatedAt   time.Time
}

func (LedgerEntryRecord) TableName() string { return "ledger_entries_v2" }

// ReceiptRecord is the durable form of a settlement receipt.
type ReceiptRecord struct {
	ReceiptID       string `gorm:"primaryKey;size:64"`
	TxID            string `gorm:"uniqueIndex;size:64"`
	MerkleRootAtEmit string
	MerkleProof     string // JSON-encoded []string of sibling hashes
	CreatedAt       time.Time
}

func (ReceiptRecord) TableName() string { return "ledger_receipts" }

// CanonicalJourneyRecord is a canonical payment journey, persisted to the
// canonical_ledger_journeys table.
type CanonicalJourneyRecord struct {
	JourneyID      string `gorm:"primaryKey;size:64"`
	OrganizationID string `gorm:"index;size:64"`
	Rail           string
	Reference      string
	CanonicalState string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CanonicalJourneyRecord) TableName() string { return "canonical_ledger_journeys" }

// CanonicalEventRecord is one append-only transition within a journey.
type CanonicalEventRecord struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	JourneyID  string `gorm:"index;size:64"`
	FromState  string
	ToState    string
	Reason     string
	OccurredAt time.Time
}

func (CanonicalEventRecord) TableName() string { return "canonical_ledger_events" }

// SpendingPolicyRecord is an agent's spending policy, persisted minus runtime
// window state (which lives in TimeWindowLimitRecord), keeping the policy
// shape separate from its mutable spend counters.
type SpendingPolicyRecord struct {
	AgentID                   string `gorm:"primaryKey;size:64"`
	LimitPerTxStr             string
	LimitTotalStr             string
	SpentTotalStr             string
	AllowedChainsCSV          string
	AllowedTokensCSV          string
	AllowedDestinationsCSV    string
	BlockedDestinationsCSV    string
	MerchantRulesJSON         string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (SpendingPolicyRecord) TableName() string { return "spending_policies" }

// TimeWindowLimitRecord is one of daily/weekly/monthly per agent.
type TimeWindowLimitRecord struct {
	AgentID        string `gorm:"primaryKey;size:64"`
	Window         string `gorm:"primaryKey;size:16"` // daily|weekly|monthly
	WindowStart    time.Time
	CurrentSpentStr string
	LimitAmountStr  string
}

func (TimeWindowLimitRecord) TableName() string { return "time_window_limits" }

// AgentIdentityRecord persists an agent's identity (key material lives in
// VerificationKeyRecord).
type AgentIdentityRecord struct {
	AgentID        string `gorm:"primaryKey;size:64"`
	OrganizationID string `gorm:"index;size:64"`
	KYALevel       string
	KYAStatus      string
	CreatedAt      time.Time
}

func (AgentIdentityRecord) TableName() string { return "agents" }

// VerificationKeyRecord persists one registered key for an agent.
type VerificationKeyRecord struct {
	AgentID   string `gorm:"primaryKey;size:64"`
	KID       string `gorm:"primaryKey;size:64"`
	PublicKey string // hex-encoded
	Algorithm string
	Status    string
	RotatedAt time.Time
	ExpiresAt time.Time
}

func (VerificationKeyRecord) TableName() string { return "agent_verification_keys" }

// WalletRecord persists an agent's wallet.
type WalletRecord struct {
	WalletID      string `gorm:"primaryKey;size:64"`
	AgentID       string `gorm:"uniqueIndex;size:64"`
	AccountType   string
	IsFrozen      bool
	FreezeReason  string
	ChainAddrJSON string // JSON map[string]string of chain -> address
	CreatedAt     time.Time
}

func (WalletRecord) TableName() string { return "wallets" }

// CardRecord persists a provisioned card, owned 1:N by Wallet.
type CardRecord struct {
	CardID         string `gorm:"primaryKey;size:64"`
	WalletID       string `gorm:"index;size:64"`
	Provider       string
	ProviderCardID string
	Status         string
	LimitPerTxStr  string
	LimitDailyStr  string
	FundedAmountStr string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CardRecord) TableName() string { return "cards" }

// MandateStateRecord tracks the per-mandate ledger state machine
// (processing/settled/failed/manual_review).
type MandateStateRecord struct {
	MandateID string `gorm:"primaryKey;size:128"`
	State     string
	UpdatedAt time.Time
}

func (MandateStateRecord) TableName() string { return "mandate_states" }

// ManualReviewRecord persists a mandate parked for operator attention.
type ManualReviewRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	MandateID  string `gorm:"index;size:128"`
	Reason     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

func (ManualReviewRecord) TableName() string { return "manual_review_queue" }

// AllTables lists every model for AutoMigrate, in a stable order.
func AllTables() []interface{} {
	return []interface{}{
		&ReplayRecord{},
		&ProcessedWebhookEvent{},
		&PendingReconciliationRecord{},
		&LedgerEntryRecord{},
		&ReceiptRecord{},
		&CanonicalJourneyRecord{},
		&CanonicalEventRecord{},
		&SpendingPolicyRecord{},
		&TimeWindowLimitRecord{},
		&AgentIdentityRecord{},
		&VerificationKeyRecord{},
		&WalletRecord{},
		&CardRecord{},
		&ManualReviewRecord{},
		&MandateStateRecord{},
	}
}
