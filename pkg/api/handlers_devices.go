package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	cwerrors "github.com/casewire/casewire/pkg/errors"
	"github.com/casewire/casewire/pkg/logging"
	"github.com/casewire/casewire/pkg/storage"
)

type bootDeviceRequest struct {
	Profile string `json:"profile"`
	Image   string `json:"image,omitempty"`
}

// handleBootDevice boots a new pool device from a named profile. Boot
// failures surface synchronously; the failed device stays visible in
// OFFLINE state until stopped.
func (s *Server) handleBootDevice(w http.ResponseWriter, r *http.Request) {
	var req bootDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Profile == "" {
		writeError(w, cwerrors.New(cwerrors.ErrCodeInvalidInput, "profile is required"))
		return
	}

	device, err := s.pool.Boot(r.Context(), req.Profile, req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

// handleStopDevice tears a device down regardless of its current state.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.pool.Stop(r.Context(), deviceID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info(logging.CategoryServer, "device_stopped", "", map[string]any{
		"device_id": deviceID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": deviceID, "status": "stopped"})
}

// handleListDevices lists pool devices. Owned devices belonging to
// projects outside the caller's visibility are omitted entirely.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	devices := s.pool.GetStatus(id.ProjectIDs)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleDevicePackages lists packages installed on a live device.
func (s *Server) handleDevicePackages(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	packages, err := s.pool.ListInstalledPackages(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "packages": packages})
}

type putProfileRequest struct {
	Kind       string `json:"kind"`
	APILevel   int    `json:"apiLevel"`
	ScreenSize string `json:"screenSize,omitempty"`
	Image      string `json:"image,omitempty"`
}

// handlePutProfile creates or replaces a device profile.
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req putProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind != "emulator" && req.Kind != "physical" {
		writeError(w, cwerrors.Newf(cwerrors.ErrCodeInvalidInput, "unknown device kind %q", req.Kind))
		return
	}

	profile := &storage.DeviceProfile{
		Name:       name,
		Kind:       req.Kind,
		APILevel:   req.APILevel,
		ScreenSize: req.ScreenSize,
		Image:      req.Image,
	}
	if err := s.store.SaveDeviceProfile(profile); err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeStorageWrite, "save device profile"))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleListProfiles lists the registered device profiles.
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListDeviceProfiles()
	if err != nil {
		writeError(w, cwerrors.Wrap(err, cwerrors.ErrCodeStorageRead, "list device profiles"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}
