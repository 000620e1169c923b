// internal/handlers/game.go
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/middleware"
)

type commandBody struct {
	Action string          `json:"action"`
	Frame  int64           `json:"frame"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (s *APIServer) getStateHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.GetState(r.Context(), r.PathValue("id"), r.PathValue("gid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// commandHandler submits a move for the caller's seat. The seat comes from the room, never
// from the body.
func (s *APIServer) commandHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var body commandBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.eng.SubmitCommand(r.Context(), userID, r.PathValue("id"), r.PathValue("gid"), game.Command{
		Action: body.Action,
		Frame:  body.Frame,
		Data:   body.Data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) suggestHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level    string `json:"level"`
		BudgetMs int64  `json:"budgetMs"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	budget := time.Duration(body.BudgetMs) * time.Millisecond
	cmd, err := s.eng.RequestAISuggestion(r.Context(), r.PathValue("id"), r.PathValue("gid"), body.Level, budget)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
