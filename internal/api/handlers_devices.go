package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/registry"
)

type DeviceHandler struct {
	registry *registry.Registry
	vapidKey string
	log      zerolog.Logger
}

func NewDeviceHandler(reg *registry.Registry, vapidPublicKey string, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{registry: reg, vapidKey: vapidPublicKey, log: log}
}

// subscribeRequest mirrors PushSubscription.toJSON() plus a little client
// metadata. expirationTime is epoch milliseconds or null.
type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	ExpirationTime *int64 `json:"expirationTime"`
	UserAgent      string `json:"userAgent"`
	Platform       string `json:"platform"`
}

const maxSubscribeBody = 16 * 1024

func (h *DeviceHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubscribeBody)
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub := registry.Subscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		UserAgent: req.UserAgent,
		Platform:  req.Platform,
	}
	if req.UserAgent == "" {
		sub.UserAgent = r.UserAgent()
	}
	if req.ExpirationTime != nil {
		t := time.UnixMilli(*req.ExpirationTime).UTC()
		sub.ExpirationTime = &t
	}

	d, err := h.registry.Upsert(r.Context(), sub)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Int64("user_id", userID).Msg("subscribe failed")
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe disables the caller's device. Endpoints registered to another
// user are reported as not found.
func (h *DeviceHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubscribeBody)
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	found, err := h.registry.Unsubscribe(r.Context(), userID, req.Endpoint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	devices, err := h.registry.FindActiveDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *DeviceHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidKey == "" {
		writeError(w, http.StatusServiceUnavailable, "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidKey})
}
