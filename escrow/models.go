package escrow

import "time"

// Settlement records how an escrow's custody was released. An escrow
// settles exactly once; every payout path checks this before moving funds.
type Settlement string

const (
	SettlementNone     Settlement = "none"
	SettlementAccepted Settlement = "accepted"
	SettlementRefunded Settlement = "refunded"
	SettlementRuling   Settlement = "ruling"
)

// Ruling is an arbitration decision on an open dispute.
type Ruling string

const (
	RulingNone      Ruling = "none"
	RulingBuyerWins Ruling = "buyer_wins"
	RulingAgentWins Ruling = "agent_wins"
)

// DefaultMaxRevisions applies to escrows created outside the marketplace
// flow, where no bid supplies a negotiated limit.
const DefaultMaxRevisions int32 = 1

// Escrow mirrors the escrows table.
type Escrow struct {
	ID                  int64
	JobID               int64
	Buyer               string
	Agent               string
	Amount              int64
	Asset               string
	Deadline            time.Time
	Funded              bool
	DeliveryHash        string
	DeliveryRef         string
	RevisionRequested   bool
	RevisionCount       int32
	MaxRevisions        int32
	LastRevisionNoteRef string
	DisputeID           int64
	Settlement          Settlement
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Delivered reports whether a delivery receipt has been recorded.
func (e Escrow) Delivered() bool { return e.DeliveryHash != "" }

// Dispute mirrors the disputes table. At most one unresolved dispute may
// exist per escrow; resolved flips exactly once.
type Dispute struct {
	ID          int64
	EscrowID    int64
	Opener      string
	EvidenceRef string
	Ruling      Ruling
	Resolved    bool
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}
