package ws

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/caelansar/chat/internal/auth"
	"github.com/caelansar/chat/internal/httputil"
	"github.com/caelansar/chat/internal/registry"
)

type Handler struct {
	reg      *registry.Registry
	upgrader websocket.Upgrader
}

func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.ServeWS).Methods("GET")
}

// ServeWS upgrades the connection and streams the authenticated user's
// events until either side goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed for user %d: %v", userID, err)
		return
	}

	client := NewClient(conn, userID, h.reg.Subscribe(userID))
	log.Printf("ws: client %s connected (user=%d)", client.ID, userID)

	go client.WritePump()
	client.ReadPump()
	log.Printf("ws: client %s disconnected", client.ID)
}

// checkOrigin allows non-browser clients (no Origin header) and any origin
// listed in ALLOWED_ORIGINS.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := os.Getenv("ALLOWED_ORIGINS")
	if allowed == "" {
		allowed = "http://localhost:3000"
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}
