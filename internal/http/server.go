package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ServerConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, cfg ServerConfig) *Server {
	limiter := newIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := authenticate(cfg.Auth)

	r.Route("/payments", func(r chi.Router) {
		// Processor callbacks carry no user credentials; the signature is
		// the authentication.
		r.With(limiter.middleware).Post("/webhooks/processor", handler.ProcessorWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.With(limiter.middleware).Post("/checkout-session", handler.CreateCheckoutSession)
			r.Get("/status/{sessionId}", handler.PaymentStatus)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Route("/offers", func(r chi.Router) {
			r.Post("/", handler.CreateOffer)
			r.Get("/{offerId}", handler.GetOffer)
			r.Patch("/{offerId}", handler.UpdateOffer)
			r.Delete("/{offerId}", handler.CancelOffer)
			r.Get("/{offerId}/events", handler.OfferEvents)
			r.Post("/{offerId}/{action}", handler.OfferAction)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/payouts", handler.CreatePayout)
			r.Get("/payouts/{payoutId}", handler.GetPayout)
			r.Post("/payouts/{payoutId}/release", handler.ReleasePayout)
			r.Get("/payments/{paymentId}/payouts", handler.ListPayouts)
			r.Post("/offers/{offerId}/refund", handler.RefundOffer)
		})
	})

	return &Server{Router: r}
}
