package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mcpsentinel/proxy/internal/protocol"
)

type registerToolsBody struct {
	Tools      []protocol.ToolDescriptor `json:"tools"`
	AppName    string                    `json:"appName"`
	ServerName string                    `json:"serverName"`
	ServerInfo map[string]any            `json:"serverInfo"`
}

type registerStats struct {
	Total              int `json:"total"`
	WithDescriptions   int `json:"withDescriptions"`
	WithoutDescriptions int `json:"withoutDescriptions"`
}

// handleRegisterTools implements POST /register-tools, used by the STDIO
// proxy's pre-init probe to publish the catalog it discovered directly from
// the child, independent of any live traffic observed afterward.
func (s *Server) handleRegisterTools(w http.ResponseWriter, r *http.Request) {
	var body registerToolsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(body.Tools) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid tools data")
		return
	}

	s.holder.PutCatalog(body.AppName, body.ServerName, protocol.CloneAll(body.Tools), body.ServerInfo)

	stats := registerStats{Total: len(body.Tools)}
	for _, t := range body.Tools {
		if t.Description != "" {
			stats.WithDescriptions++
		} else {
			stats.WithoutDescriptions++
		}
	}

	s.log.Info("registered tools", zap.String("app", body.AppName), zap.String("server", body.ServerName), zap.Int("count", stats.Total))

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "registered tools",
		"stats":   stats,
	})
}
