package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/marketsync"
)

// Sender performs one send over a concrete channel and returns a structured
// trace for the delivery record.
type Sender interface {
	Send(ctx context.Context, d *domain.OutboundDelivery, route Route) ([]byte, error)
}

// MockSender records the send without leaving the process. Used in dev and
// in tests.
type MockSender struct {
	log *zap.Logger
}

func NewMockSender(log *zap.Logger) *MockSender {
	return &MockSender{log: log.With(zap.String("component", "mock-sender"))}
}

func (m *MockSender) Send(_ context.Context, d *domain.OutboundDelivery, route Route) ([]byte, error) {
	m.log.Info("mock send",
		zap.String("delivery_id", d.ID),
		zap.String("ticket", d.TicketID),
		zap.String("route", string(route.Provider)),
	)
	return json.Marshal(map[string]any{
		"provider": "mock",
		"route":    route.Provider,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

// MarketplaceSender replies through the marketplace messaging API, paced by
// the per-tenant rate budget. The delivery's connection id identifies the
// tenant's marketplace connection, so it doubles as the credential key.
type MarketplaceSender struct {
	api     marketsync.API
	creds   CredentialSource
	limiter marketsync.RateLimiter
	rate    int
}

// CredentialSource is the narrow credential-store read the sender needs.
type CredentialSource interface {
	GetCredentials(ctx context.Context, tenantID, system string) ([]byte, error)
}

func NewMarketplaceSender(api marketsync.API, creds CredentialSource, limiter marketsync.RateLimiter, ratePerSec int) *MarketplaceSender {
	return &MarketplaceSender{api: api, creds: creds, limiter: limiter, rate: ratePerSec}
}

func (s *MarketplaceSender) Send(ctx context.Context, d *domain.OutboundDelivery, _ Route) ([]byte, error) {
	blob, err := s.creds.GetCredentials(ctx, d.ConnectionID, marketsync.System)
	if err != nil {
		return nil, err
	}
	var creds marketsync.Credentials
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, errors.Wrap(err, "malformed credentials")
	}
	creds.TenantID = d.ConnectionID

	if s.limiter != nil && s.rate > 0 {
		ok, lerr := s.limiter.Allow(ctx, d.ConnectionID+":"+marketsync.System, s.rate, time.Second)
		if lerr == nil && !ok {
			return nil, domain.ErrRateLimited
		}
	}

	if err := s.api.SendMessage(ctx, creds, *d.OrderRef, d.Body); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"provider":  "marketplace",
		"order_ref": *d.OrderRef,
		"sent_at":   time.Now().UTC().Format(time.RFC3339),
	})
}

// SMTPSender covers both email paths. On the threaded route it attaches the
// In-Reply-To/References headers stored from the original inbound message
// so the marketplace relay files the reply into the right conversation.
type SMTPSender struct {
	addr string
	from string
	// send is swappable in tests; defaults to smtp.SendMail.
	send func(addr, from string, to []string, msg []byte) error
}

func NewSMTPSender(addr, from string) *SMTPSender {
	return &SMTPSender{
		addr: addr,
		from: from,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

func (s *SMTPSender) Send(_ context.Context, d *domain.OutboundDelivery, route Route) ([]byte, error) {
	to := strings.TrimSpace(*d.ToAddress)
	msg := composeMessage(s.from, to, d, route.Threaded)

	if err := s.send(s.addr, s.from, []string{to}, msg); err != nil {
		return nil, errors.Wrap(err, "smtp send")
	}
	return json.Marshal(map[string]any{
		"provider": "email",
		"to":       to,
		"threaded": route.Threaded,
		"sent_at":  time.Now().UTC().Format(time.RFC3339),
	})
}

func composeMessage(from, to string, d *domain.OutboundDelivery, threaded bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	if threaded {
		if d.InReplyTo != nil && *d.InReplyTo != "" {
			fmt.Fprintf(&b, "In-Reply-To: %s\r\n", *d.InReplyTo)
		}
		if d.ReferencesHdr != nil && *d.ReferencesHdr != "" {
			fmt.Fprintf(&b, "References: %s\r\n", *d.ReferencesHdr)
		}
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(d.Body)
	return []byte(b.String())
}
