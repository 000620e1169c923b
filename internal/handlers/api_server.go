// internal/handlers/api_server.go
package handlers

import (
	"context"
	"net/http"

	"github.com/jason-s-yu/turnroom/internal/auth"
	"github.com/jason-s-yu/turnroom/internal/engine"
	"github.com/jason-s-yu/turnroom/internal/middleware"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// EventSource streams room events to live subscribers.
type EventSource interface {
	Subscribe(ctx context.Context) <-chan models.RoomEvent
}

// Options configures an APIServer.
type Options struct {
	// Events feeds /rooms/ws; nil disables the stream.
	Events EventSource
	// Limiter throttles game commands per user.
	Limiter *middleware.RateLimiter
	// DefaultAILevel seats this advisor when an AI request names none.
	DefaultAILevel string
	Log            logrus.FieldLogger
}

// APIServer exposes the engine over HTTP/JSON and a WebSocket room-event stream.
type APIServer struct {
	eng          *engine.Engine
	sessions     *auth.Sessions
	events       EventSource
	limiter      *middleware.RateLimiter
	defaultLevel string
	log          logrus.FieldLogger
}

// NewAPIServer wires the transport.
func NewAPIServer(eng *engine.Engine, sessions *auth.Sessions, opts Options) *APIServer {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Limiter == nil {
		opts.Limiter = middleware.NewRateLimiter(5, 10)
	}
	if opts.DefaultAILevel == "" {
		opts.DefaultAILevel = "greedy"
	}
	return &APIServer{
		eng:          eng,
		sessions:     sessions,
		events:       opts.Events,
		limiter:      opts.Limiter,
		defaultLevel: opts.DefaultAILevel,
		log:          opts.Log,
	}
}

// Routes builds the request router.
func (s *APIServer) Routes() http.Handler {
	authed := middleware.RequireUser(s.sessions)
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	mux.HandleFunc("POST /auth/guest", s.guestHandler)

	handle("POST /rooms", s.createRoomHandler)
	handle("GET /rooms", s.listRoomsHandler)
	handle("GET /rooms/ws", s.roomEventsHandler)
	handle("GET /rooms/{id}", s.getRoomHandler)
	handle("DELETE /rooms/{id}", s.deleteRoomHandler)
	handle("POST /rooms/{id}/seats/{seat}", s.claimSeatHandler)
	handle("DELETE /rooms/{id}/seats/{seat}", s.releaseSeatHandler)
	handle("POST /rooms/{id}/seats/{seat}/ai", s.addAIHandler)
	handle("POST /rooms/{id}/start", s.startHandler)
	handle("POST /rooms/{id}/rematch", s.rematchHandler)
	handle("POST /rooms/{id}/phase", s.phaseHandler)
	handle("GET /rooms/{id}/games/{gid}", s.getStateHandler)
	mux.Handle("POST /rooms/{id}/games/{gid}/commands", authed(s.limiter.Middleware(http.HandlerFunc(s.commandHandler))))
	handle("POST /rooms/{id}/games/{gid}/suggest", s.suggestHandler)
	handle("GET /me/ongoing", s.ongoingHandler)

	return middleware.LogMiddleware(s.log)(mux)
}

// guestHandler mints an anonymous identity and sets the auth cookie.
func (s *APIServer) guestHandler(w http.ResponseWriter, r *http.Request) {
	userID, token, err := s.sessions.CreateGuest()
	if err != nil {
		s.log.WithError(err).Error("failed to issue guest token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "token": token})
}

func (s *APIServer) ongoingHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	info, err := s.eng.GetOngoingGame(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ongoing": info})
}
