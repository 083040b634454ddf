package handlers

import (
	"net/http"
)

// InfoResponse describes the running service.
type InfoResponse struct {
	App         string `json:"app"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}

// InfoHandler serves the service description at the root path.
type InfoHandler struct {
	info InfoResponse
}

// NewInfoHandler creates a new InfoHandler.
func NewInfoHandler(app, version, environment string) *InfoHandler {
	return &InfoHandler{info: InfoResponse{App: app, Version: version, Environment: environment}}
}

// Root handles GET /.
func (h *InfoHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}
