package session

import (
	"encoding/json"
	"errors"
	"net/http"
)

// RenegotiateRequest is the body of POST /api/v1/renegotiate
type RenegotiateRequest struct {
	VideoSections *int `json:"videoSections"`
}

// actionResponse is returned by every action endpoint
type actionResponse struct {
	Status
	Result *RenegotiationResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// errorStatus maps an action error to an HTTP status code
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidVideoCount):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrNotStarted),
		errors.Is(err, ErrCallActive),
		errors.Is(err, ErrNoCall),
		errors.Is(err, ErrRenegotiating):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Session) writeAction(w http.ResponseWriter, result *RenegotiationResult, err error) {
	w.Header().Set("Content-Type", "application/json")

	resp := actionResponse{Status: s.Status(), Result: result}
	if err != nil {
		resp.Error = err.Error()
		w.WriteHeader(errorStatus(err))
	}
	json.NewEncoder(w).Encode(resp)
}

// HandleStart handles POST /api/v1/start
func (s *Session) HandleStart(w http.ResponseWriter, r *http.Request) {
	err := s.Start(r.Context())
	if err != nil {
		s.logger.Error("start failed", "error", err)
	}
	s.writeAction(w, nil, err)
}

// HandleCall handles POST /api/v1/call
func (s *Session) HandleCall(w http.ResponseWriter, r *http.Request) {
	err := s.Call(r.Context())
	if err != nil {
		s.logger.Error("call failed", "error", err)
	}
	s.writeAction(w, nil, err)
}

// HandleRenegotiate handles POST /api/v1/renegotiate
func (s *Session) HandleRenegotiate(w http.ResponseWriter, r *http.Request) {
	var req RenegotiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if req.VideoSections == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "videoSections required"})
		return
	}

	result, err := s.Renegotiate(r.Context(), *req.VideoSections)
	if err != nil {
		s.logger.Error("renegotiate failed", "videoSections", *req.VideoSections, "error", err)
		s.writeAction(w, nil, err)
		return
	}
	s.writeAction(w, &result, nil)
}

// HandleHangup handles POST /api/v1/hangup
func (s *Session) HandleHangup(w http.ResponseWriter, r *http.Request) {
	err := s.Hangup()
	if err != nil {
		s.logger.Error("hangup failed", "error", err)
	}
	s.writeAction(w, nil, err)
}

// HandleState handles GET /api/v1/state
func (s *Session) HandleState(w http.ResponseWriter, r *http.Request) {
	s.writeAction(w, nil, nil)
}
