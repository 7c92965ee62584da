package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mr-ryan-james/circuit-breaker-sub001/internal/store"
)

type characterInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Lines       int    `json:"lines"`
}

type charactersResponse struct {
	ScriptID   string          `json:"script_id"`
	Title      string          `json:"title,omitempty"`
	FirstIdx   int             `json:"first_idx"`
	LastIdx    int             `json:"last_idx"`
	Characters []characterInfo `json:"characters"`
}

// handleCharacters lists a script's characters with their line counts so a
// client can offer a role picker before sending start.
func (a *App) handleCharacters(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	script, err := a.deps.Store.Script(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown script"})
		return
	}
	if err != nil {
		slog.Error("load script failed", "script_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	counts := make(map[string]int, len(script.Characters))
	for _, l := range script.Lines {
		if l.Kind.Spoken() {
			counts[l.Speaker]++
		}
	}
	resp := charactersResponse{
		ScriptID:   script.ID,
		Title:      script.Title,
		FirstIdx:   script.FirstIdx(),
		LastIdx:    script.LastIdx(),
		Characters: make([]characterInfo, 0, len(script.Characters)),
	}
	for _, c := range script.Characters {
		resp.Characters = append(resp.Characters, characterInfo{
			Name:        c.NormalizedName,
			DisplayName: c.DisplayName,
			Lines:       counts[c.NormalizedName],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
