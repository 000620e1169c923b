package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		// chunked requests carry no length; an empty one reads as EOF
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &models.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

// statusOf maps the error taxonomy onto HTTP. Store outages never leak details.
func statusOf(err error) (int, string) {
	var ve *models.ValidationError
	var rej *models.RejectedError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Error()
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &rej):
		return http.StatusConflict, rej.Reason
	case errors.Is(err, models.ErrSeatConflict),
		errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *APIServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusOf(err)
	log := s.log.WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	switch {
	case models.IsBusinessOutcome(err):
		log.WithError(err).Debug("request refused")
	case status == http.StatusServiceUnavailable:
		log.WithError(err).Warn("store unavailable")
	default:
		log.WithError(err).Error("request failed")
	}
	writeError(w, status, msg)
}
