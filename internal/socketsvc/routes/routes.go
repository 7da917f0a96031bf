package routes

import (
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/library-services/internal/socketsvc/handlers"
	"github.com/avvvet/library-services/internal/socketsvc/ws"
)

var tokenAuth *jwtauth.JWTAuth

// SetRoutes mounts the websocket endpoint. Kiosk browsers cannot attach an
// Authorization header to an upgrade, so /ws stays public and only the
// operational endpoints sit behind the service token.
func SetRoutes(r *chi.Mux, s *ws.Ws, port string) {
	h := handlers.NewHandler(s, port)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			if tokenAuth != nil {
				r.Use(jwtauth.Verifier(tokenAuth))
				r.Use(jwtauth.Authenticator)
			}

			r.Get("/health", h.HealthHandler)
		})
	})
}

func InitAuth(jwtKey string) {
	if jwtKey == "" {
		log.Warn("JWT_SECRET_KEY not set, socket service health endpoint is unauthenticated")
		tokenAuth = nil
		return
	}
	tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)
}

func TokenAuth() *jwtauth.JWTAuth {
	return tokenAuth
}
