package httpserver

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": []string{"observer", "engine"},
	})
}

// handleAnalysisStatus reports, per server, how many tools are currently
// known and how many have been scored dangerous by the semantic-gap judge.
// A lighter-weight stand-in for the original's per-tool progress tracker
// (this proxy scores tools as traffic happens rather than as a discrete
// batch job, so there is no in-progress percentage to report).
func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.holder.AnalysisStatus())
}
