package handlers

import (
	"net/http"
	"strconv"

	"github.com/jason-s-yu/turnroom/internal/middleware"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/jason-s-yu/turnroom/internal/room"
)

type createRoomBody struct {
	Title       string `json:"title"`
	GameType    string `json:"gameType"`
	Mode        string `json:"mode"`
	Rule        string `json:"rule"`
	BestOf      int    `json:"bestOf"`
	TurnLimitMs int64  `json:"turnLimitMs"`
	AutoStart   *bool  `json:"autoStart"`
}

func (s *APIServer) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var body createRoomBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := s.eng.CreateRoom(r.Context(), userID, room.CreateRoomRequest{
		Title:       body.Title,
		GameType:    body.GameType,
		Mode:        models.Mode(body.Mode),
		Rule:        models.Rule(body.Rule),
		BestOf:      body.BestOf,
		TurnLimitMs: body.TurnLimitMs,
		AutoStart:   body.AutoStart,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *APIServer) listRoomsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := 0
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(w, r, &models.ValidationError{Field: "pageSize", Reason: "not a number"})
			return
		}
		pageSize = n
	}
	page, err := s.eng.ListRooms(r.Context(), q.Get("cursor"), pageSize)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *APIServer) getRoomHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) deleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if err := s.eng.DeleteRoom(r.Context(), userID, r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) claimSeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	seat, err := s.eng.ClaimSeat(r.Context(), userID, r.PathValue("id"), r.PathValue("seat"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seat)
}

func (s *APIServer) releaseSeatHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	if err := s.eng.ReleaseSeat(r.Context(), userID, r.PathValue("id"), r.PathValue("seat")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) addAIHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var body struct {
		Level string `json:"level"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Level == "" {
		body.Level = s.defaultLevel
	}
	seat, err := s.eng.AddAI(r.Context(), userID, r.PathValue("id"), r.PathValue("seat"), body.Level)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seat)
}

func (s *APIServer) startHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	gameID, err := s.eng.StartGame(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"gameId": gameID})
}

func (s *APIServer) rematchHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	meta, err := s.eng.Rematch(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *APIServer) phaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := models.ParsePhase(body.From)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := models.ParsePhase(body.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := s.eng.TransitionPhase(r.Context(), userID, r.PathValue("id"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
