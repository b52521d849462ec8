package market

import "time"

// Status is a job's lifecycle state. Cancelled, closed and expired are
// terminal; nothing transitions out of them.
type Status string

const (
	StatusInit      Status = "init"
	StatusOpen      Status = "open"
	StatusSelected  Status = "selected"
	StatusCancelled Status = "cancelled"
	StatusClosed    Status = "closed"
	StatusExpired   Status = "expired"
)

// Category is the job SKU.
type Category int16

const (
	CategoryEcomHero Category = iota
	CategorySocialPack
	CategoryLandingPage
	CategoryCustom
)

// CustomBudgetFloor is the minimum budget for custom-category jobs, in
// 6-decimal micro-units.
const CustomBudgetFloor int64 = 100_000000

// Job mirrors the jobs table.
type Job struct {
	ID            int64
	Buyer         string
	SpecRef       string
	Category      Category
	Budget        int64
	Asset         string
	Deadline      time.Time
	Status        Status
	SelectedBidID int64
	EscrowID      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bid mirrors the bids table. Bids are immutable once placed.
type Bid struct {
	ID           int64
	JobID        int64
	Agent        string
	ProposalRef  string
	Price        int64
	EtaSeconds   int64
	MaxRevisions int32
	CreatedAt    time.Time
}

// PublishParams carries the publishJob inputs.
type PublishParams struct {
	SpecRef  string
	Category Category
	Budget   int64
	Asset    string
	Deadline time.Time
}

// BidParams carries the placeBid inputs.
type BidParams struct {
	ProposalRef  string
	Price        int64
	EtaSeconds   int64
	MaxRevisions int32
}
