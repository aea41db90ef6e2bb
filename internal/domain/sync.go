package domain

import "time"

type BackfillStatus string

const (
	BackfillNotStarted BackfillStatus = "not_started"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillSuccess    BackfillStatus = "success"
	BackfillFailed     BackfillStatus = "failed"
)

// WatermarkEpsilon is added past the newest observed update time when the
// watermark advances, so records sharing that exact instant are not
// re-fetched forever.
const WatermarkEpsilon = time.Second

// DefaultSyncWindow is the lookback used when a tenant has no watermark yet.
const DefaultSyncWindow = 7 * 24 * time.Hour

// MaxBackfillDays caps the historical pull a caller may request.
const MaxBackfillDays = 730

// SyncState is the per-(tenant, external system) checkpoint row. The
// watermark only moves forward, and only after a whole batch has merged.
type SyncState struct {
	TenantID       string
	System         string
	Watermark      *string
	LastPollAt     *time.Time
	LastSuccessAt  *time.Time
	LastError      *string
	BackfillStatus BackfillStatus
	BackfillDays   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Order is the synchronized parent record from the marketplace. Ticket and
// billing side effects hang off it elsewhere; the sync engine owns upserts.
type Order struct {
	ID         string
	TenantID   string
	ExternalID string
	Status     string
	BuyerName  string
	BuyerEmail string
	UpdatedAt  time.Time
	PlacedAt   time.Time
}

// OrderItem is a sub-item of an Order; items are replaced wholesale on sync.
type OrderItem struct {
	OrderID    string
	ExternalID string
	SKU        string
	Title      string
	Quantity   int
	PriceCents int64
}
