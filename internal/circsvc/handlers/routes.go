package handlers

import (
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			if h.tokenAuth != nil {
				r.Use(jwtauth.Verifier(h.tokenAuth))
				r.Use(jwtauth.Authenticator)
			}

			r.Route("/attendance", func(r chi.Router) {
				r.Post("/card-scan", h.CardScanHandler)
				r.Post("/face-auth", h.FaceAuthHandler)
				r.Get("/verify-checkin/{userId}", h.VerifyCheckinHandler)
				r.Get("/checkin-list", h.CheckinListHandler)
			})

			r.Route("/loans", func(r chi.Router) {
				r.Post("/book-scan", h.BookScanHandler)
				r.Post("/borrow", h.BorrowHandler)
				r.Post("/return", h.ReturnHandler)
				r.Get("/active/{userId}", h.ActiveLoansHandler)
			})

			r.Post("/session/reset", h.ResetSessionHandler)
		})
	})
}

// InitAuth protects the secure routes with an HS256 service token. An empty
// secret leaves them open, which is only meant for local benches.
func (h *Handler) InitAuth(jwtKey string) {
	if jwtKey == "" {
		log.Warn("JWT_SECRET_KEY not set, circulation routes are unauthenticated")
		return
	}
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)

	if log.IsLevelEnabled(log.DebugLevel) {
		_, tokenString, _ := h.tokenAuth.Encode(map[string]interface{}{
			"service_id": "circsvc",
			"exp":        time.Now().Add(7 * 24 * time.Hour).Unix(),
		})
		log.Debugf("DEBUG: JWT for testing expires soon : %s", tokenString)
	}
}

// TokenAuth exposes the signer so callers can mint service tokens.
func (h *Handler) TokenAuth() *jwtauth.JWTAuth {
	return h.tokenAuth
}
