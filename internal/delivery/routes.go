package delivery

import (
	"go.uber.org/zap"

	"github.com/you/supportd/internal/domain"
	"github.com/you/supportd/internal/marketsync"
)

// DefaultRoutes builds the provider table. In the dev environment every
// route goes to the mock sender so nothing leaves the process.
func DefaultRoutes(appEnv string, api marketsync.API, creds CredentialSource, limiter marketsync.RateLimiter, ratePerSec int, smtpAddr, smtpFrom string, log *zap.Logger) RouteTable {
	if appEnv == "dev" {
		mock := NewMockSender(log)
		return RouteTable{
			domain.ProviderMock:        mock,
			domain.ProviderMarketplace: mock,
			domain.ProviderEmail:       mock,
		}
	}
	return RouteTable{
		domain.ProviderMock:        NewMockSender(log),
		domain.ProviderMarketplace: NewMarketplaceSender(api, creds, limiter, ratePerSec),
		domain.ProviderEmail:       NewSMTPSender(smtpAddr, smtpFrom),
	}
}
