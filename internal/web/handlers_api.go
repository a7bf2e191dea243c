package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"dali-go-home/internal/dali"
)

func (s *Server) handleAPIListGear(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Registry().List())
}

func (s *Server) handleAPIGetGear(w http.ResponseWriter, r *http.Request) {
	g, ok := s.coord.Registry().ByUniqueID(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "gear not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

type renameGearRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameGear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.coord.Registry().ByUniqueID(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "gear not found"})
		return
	}

	var req renameGearRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.coord.RenameGear(id, req.FriendlyName); err != nil {
		s.logger.Error("rename gear", "err", err, "unique_id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIGearOn(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.GearOn(r.Context(), r.PathValue("id")); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGearOff(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.GearOff(r.Context(), r.PathValue("id")); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setLevelRequest struct {
	Level uint8 `json:"level"`
}

func (s *Server) handleAPIGearLevel(w http.ResponseWriter, r *http.Request) {
	var req setLevelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Level > 254 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be 0-254"})
		return
	}
	if err := s.coord.GearSetLevel(r.Context(), r.PathValue("id"), req.Level); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGearUp(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.GearBrighten(r.Context(), r.PathValue("id")); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGearDown(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.GearDim(r.Context(), r.PathValue("id")); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGearQueryLevel(w http.ResponseWriter, r *http.Request) {
	level, err := s.coord.GearLevel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint8{"level": level})
}

func (s *Server) handleAPIGearStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.GearStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIGearIdentify(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.GearIdentify(r.Context(), r.PathValue("id")); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseGroup parses the {group} path value as a DALI group number (0-15).
func parseGroup(r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("group"), 10, 8)
	if err != nil || n > 15 {
		return 0, false
	}
	return uint8(n), true
}

func (s *Server) handleAPIGroupOn(w http.ResponseWriter, r *http.Request) {
	group, ok := parseGroup(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "group must be 0-15"})
		return
	}
	if err := s.coord.GroupOn(r.Context(), group); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGroupOff(w http.ResponseWriter, r *http.Request) {
	group, ok := parseGroup(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "group must be 0-15"})
		return
	}
	if err := s.coord.GroupOff(r.Context(), group); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGroupLevel(w http.ResponseWriter, r *http.Request) {
	group, ok := parseGroup(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "group must be 0-15"})
		return
	}
	var req setLevelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Level > 254 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be 0-254"})
		return
	}
	if err := s.coord.GroupSetLevel(r.Context(), group, req.Level); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIBroadcastOff(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.BroadcastOff(r.Context()); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIBroadcastLevel(w http.ResponseWriter, r *http.Request) {
	var req setLevelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Level > 254 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be 0-254"})
		return
	}
	if err := s.coord.BroadcastSetLevel(r.Context(), req.Level); err != nil {
		s.writeBusError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scanRequest struct {
	Full bool `json:"full"`
}

// handleAPIScan starts an addressing scan in the background. Progress and
// results arrive on the WebSocket feed as scan_state and gear events.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if s.coord.Bus().Scanning() {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "scan already in progress"})
		return
	}

	go func() {
		if _, err := s.coord.ScanForGear(s.coord.Context(), req.Full); err != nil {
			s.logger.Error("scan", "err", err, "full", req.Full)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
		"full":   req.Full,
	})
}

func (s *Server) handleAPIBusInfo(w http.ResponseWriter, r *http.Request) {
	adapter := s.coord.Adapter()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":       adapter.Port,
		"serial":     adapter.Serial,
		"gear_count": s.coord.Registry().Len(),
		"scanning":   s.coord.Bus().Scanning(),
	})
}

func (s *Server) handleAPIListAdapters(w http.ResponseWriter, r *http.Request) {
	adapters, err := dali.DiscoverAdapters()
	if err != nil {
		s.logger.Error("discover adapters", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if adapters == nil {
		adapters = []dali.AdapterInfo{}
	}
	s.writeJSON(w, http.StatusOK, adapters)
}
