package server

import (
	stdliberrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deckhand-sh/deckhand/pkg/storage"
)

type deviceRegisterRequest struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

type deviceVerifyRequest struct {
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
}

type deviceAuthorizeRequest struct {
	Code    string `json:"code"`
	Approve bool   `json:"approve"`
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("device pairing unavailable"))
		return
	}
	if !s.allow(w, r, s.limiter) {
		return
	}
	var req deviceRegisterRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, true); status != 0 {
		respondError(w, status, err)
		return
	}

	reg, err := s.coordinator.Register(req.Name, req.Class)
	if err != nil {
		respondAppError(w, err)
		return
	}
	metricDevicesRegistered.Inc()
	respondJSON(w, reg)
}

// handleDeviceVerify blocks until the operator decides, the pairing window
// times out, or the client goes away.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	if s.coordinator == nil {
		respondError(w, http.StatusServiceUnavailable, stdliberrors.New("device pairing unavailable"))
		return
	}
	// Verify holds a slot and a connection for up to the full pairing
	// window, so it counts against the mutating budget.
	if !s.allow(w, r, s.limiter) {
		return
	}
	var req deviceVerifyRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); status != 0 {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" || strings.TrimSpace(req.Code) == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("deviceId and code are required"))
		return
	}

	result, err := s.coordinator.Verify(r.Context(), req.DeviceID, req.Code)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, result)
}

func (s *Server) handleDeviceAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limiter) {
		return
	}
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceID"))
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("missing device id"))
		return
	}
	var req deviceAuthorizeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); status != 0 {
		respondError(w, status, err)
		return
	}

	device, err := s.coordinator.Authorize(deviceID, req.Code, req.Approve)
	if err != nil {
		respondAppError(w, err)
		return
	}
	s.logger.Printf("device %s decision approve=%t by %s", deviceID, req.Approve, actorLabel(r))
	respondJSON(w, device)
}

// deviceListItem decorates a stored device with whether a verify call is
// currently blocked on it, so a pairing UI knows when to prompt.
type deviceListItem struct {
	*storage.Device
	AwaitingDecision bool `json:"awaitingDecision"`
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.readLimiter) {
		return
	}
	devices, err := s.coordinator.List()
	if err != nil {
		respondAppError(w, err)
		return
	}
	items := make([]deviceListItem, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceListItem{
			Device:           d,
			AwaitingDecision: s.coordinator.AwaitingDecision(d.ID),
		})
	}
	respondJSON(w, map[string]any{"devices": items})
}

func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.limiter) {
		return
	}
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceID"))
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("missing device id"))
		return
	}
	if err := s.coordinator.Revoke(deviceID); err != nil {
		respondAppError(w, err)
		return
	}
	s.logger.Printf("device %s revoked by %s", deviceID, actorLabel(r))
	respondJSON(w, map[string]string{"deviceId": deviceID, "status": "revoked"})
}

// actorLabel names the authenticated device behind a request, or the local
// operator when loopback bypass is in effect.
func actorLabel(r *http.Request) string {
	if d := deviceFromContext(r.Context()); d != nil {
		return d.ID
	}
	return "local operator"
}
