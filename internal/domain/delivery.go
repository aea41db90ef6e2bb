package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySending   DeliveryStatus = "sending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Provider string

const (
	ProviderMock        Provider = "mock"
	ProviderMarketplace Provider = "marketplace"
	ProviderEmail       Provider = "email"
)

// DefaultDeliveryMaxAttempts is the retry budget for outbound sends.
const DefaultDeliveryMaxAttempts = 10

// OutboundDelivery is a queued attempt to deliver a reply to an external
// party. The triple (connection_id, ticket_id, content_hash) identifies a
// logical send; a duplicate enqueue resolves to the existing row.
type OutboundDelivery struct {
	ID            string
	ConnectionID  string
	TicketID      string
	Provider      Provider
	Status        DeliveryStatus
	Attempts      int
	MaxAttempts   int
	NextRetryAt   time.Time
	OrderRef      *string
	ToAddress     *string
	Subject       string
	Body          string
	ContentHash   string
	InReplyTo     *string
	ReferencesHdr *string
	Trace         json.RawMessage
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ContentHash derives the idempotency key for a logical send.
func ContentHash(connectionID, ticketID, body string) string {
	h := sha256.New()
	h.Write([]byte(connectionID))
	h.Write([]byte{0})
	h.Write([]byte(ticketID))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
