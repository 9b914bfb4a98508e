package gatewayapi

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentpay/gateway/middleware"
)

// Config configures the gatewayapi HTTP surface.
type Config struct {
	Handlers      *Handlers
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// AdminRateLimitKey names the rate-limit bucket applied to operator
// endpoints (manual-review, reconciliation listing), configured at roughly
// 10 requests/minute.
const AdminRateLimitKey = "admin"

// PaymentRateLimitKey names the rate-limit bucket applied to the payment
// execution endpoint.
const PaymentRateLimitKey = "payments"

// DefaultRateLimits returns the RateLimit configuration for the admin and
// payment buckets, for wiring into middleware.NewRateLimiter.
func DefaultRateLimits() map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		AdminRateLimitKey:   {RatePerSecond: 10.0 / 60.0, Burst: 5},
		PaymentRateLimitKey: {RatePerSecond: 50, Burst: 50},
	}
}

// NewRouter builds the chi router exposing the HTTP surface.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
	}

	r.Get("/healthz", Healthz)
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/payments", func(pr chi.Router) {
			if cfg.RateLimiter != nil {
				pr.Use(cfg.RateLimiter.Middleware(PaymentRateLimitKey))
			}
			pr.Post("/execute", cfg.Handlers.PostExecuteChain)
		})

		v1.Route("/ledger", func(lr chi.Router) {
			lr.Get("/{tx_id}/verify", cfg.Handlers.GetLedgerVerify)
		})

		v1.Route("/manual-review", func(mr chi.Router) {
			if cfg.RateLimiter != nil {
				mr.Use(cfg.RateLimiter.Middleware(AdminRateLimitKey))
			}
			if cfg.Authenticator != nil {
				mr.Use(cfg.Authenticator.Middleware("manual_review:resolve"))
			}
			mr.Post("/{mandate_id}/resolve", cfg.Handlers.PostManualReviewResolve)
		})

		v1.Route("/reconciliation", func(rr chi.Router) {
			if cfg.RateLimiter != nil {
				rr.Use(cfg.RateLimiter.Middleware(AdminRateLimitKey))
			}
			if cfg.Authenticator != nil {
				rr.Use(cfg.Authenticator.Middleware("reconciliation:read"))
			}
			rr.Get("/pending", cfg.Handlers.GetReconciliationPending)
		})

		v1.Route("/webhooks", func(wr chi.Router) {
			wr.Post("/{provider}", cfg.Handlers.PostWebhook)
		})
	})

	return r
}

// NewObservability wires a *middleware.Observability with agentpay's
// service/metrics names.
func NewObservability(logger *log.Logger) *middleware.Observability {
	return middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "agentpay-gateway",
		MetricsPrefix: "agentpay",
		LogRequests:   true,
		Enabled:       true,
	}, logger)
}

// NewRateLimiter wires a *middleware.RateLimiter with DefaultRateLimits.
func NewRateLimiter(logger *log.Logger) *middleware.RateLimiter {
	return middleware.NewRateLimiter(DefaultRateLimits(), logger)
}

// NewAuthenticator wires a *middleware.Authenticator for JWT bearer auth
// over the operator endpoints.
func NewAuthenticator(signingKey string, logger *log.Logger) *middleware.Authenticator {
	return middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: signingKey,
		ScopeClaim: "scope",
		ClockSkew:  2 * time.Minute,
	}, logger)
}
