package controller

import (
	"log/slog"
	"net/http"
)

func (c *Controller) ListCommands(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("runner")
	cmds, err := c.DB.ListCommands(r.Context(), target)
	if err != nil {
		slog.Error("list commands", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	respondJSON(w, http.StatusOK, cmds)
}
