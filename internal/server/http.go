package server

import (
	"encoding/json"
	"net/http"

	"github.com/zot/chatops/internal/router"
)

// Status is the health report served on /healthz.
type Status struct {
	Connected bool `json:"connected"`
	Commands  int  `json:"commands"`
}

// Command is one entry of the /commands listing.
type Command struct {
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
}

// HTTPEndpoint serves the gateway websocket and the admin pages.
type HTTPEndpoint struct {
	gatewayPath string
	gateway     http.Handler
	connected   func() bool
	routes      func() *router.RoutingList
	mux         *http.ServeMux
}

// NewHTTPEndpoint creates the HTTP handler. connected reports whether a
// platform adapter is attached and routes returns the live routing list.
func NewHTTPEndpoint(gatewayPath string, gateway http.Handler, connected func() bool, routes func() *router.RoutingList) *HTTPEndpoint {
	h := &HTTPEndpoint{
		gatewayPath: gatewayPath,
		gateway:     gateway,
		connected:   connected,
		routes:      routes,
		mux:         http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.Handle(h.gatewayPath, h.gateway)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /commands", h.handleCommands)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := Status{Connected: h.connected()}
	for range h.routes().LeafPatterns() {
		status.Commands++
	}
	code := http.StatusOK
	if !status.Connected {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

func (h *HTTPEndpoint) handleCommands(w http.ResponseWriter, _ *http.Request) {
	commands := []Command{}
	for p := range h.routes().LeafPatterns() {
		commands = append(commands, Command{Description: p.Description(), Pattern: p.Match()})
	}
	h.writeJSON(w, http.StatusOK, commands)
}

func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
