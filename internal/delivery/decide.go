// Package delivery implements the outbound-delivery worker: its own
// atomic-claim queue over the deliveries table, a provider decision tree,
// and idempotent resend protection via the content-hash uniqueness key.
package delivery

import (
	"strings"

	"github.com/you/supportd/internal/domain"
)

// Route is the resolved send path for one delivery.
type Route struct {
	Provider domain.Provider
	// Threaded marks the marketplace-relay email path, which carries the
	// In-Reply-To/References headers derived from the original inbound
	// message.
	Threaded bool
}

// Decide picks the provider for a delivery. The order is a decision tree,
// not a flag: an order reference always wins, a marketplace-relay address
// gets threaded email, any other known address falls back to plain email,
// and a delivery with no usable target fails permanently.
func Decide(d *domain.OutboundDelivery, marketplaceMailDomain string) (Route, error) {
	if d.OrderRef != nil && *d.OrderRef != "" {
		return Route{Provider: domain.ProviderMarketplace}, nil
	}
	addr := ""
	if d.ToAddress != nil {
		addr = strings.TrimSpace(*d.ToAddress)
	}
	if addr == "" {
		return Route{}, domain.ErrNoTarget
	}
	if strings.HasSuffix(strings.ToLower(addr), "@"+strings.ToLower(marketplaceMailDomain)) {
		return Route{Provider: domain.ProviderEmail, Threaded: true}, nil
	}
	return Route{Provider: domain.ProviderEmail}, nil
}
