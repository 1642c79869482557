package handler

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/auth-session-service/internal/device"
    "github.com/iliyamo/auth-session-service/internal/model"
)

// DeviceHandler exposes the device list of the current account. Trusting a
// device happens through the login continuations (trust_device); there is
// deliberately no endpoint that trusts a device from a bare access token.
type DeviceHandler struct {
	Devices *device.Tracker
}

func NewDeviceHandler(t *device.Tracker) *DeviceHandler {
	return &DeviceHandler{Devices: t}
}

type devicePart struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Trusted    bool      `json:"trusted"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// List: all devices seen for the current account.
func (h *DeviceHandler) List(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	devices, err := h.Devices.List(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	out := make([]devicePart, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDevicePart(d))
	}
	return c.JSON(http.StatusOK, echo.Map{"devices": out})
}

// Current: the record behind the X-Device-Id header, if any.
func (h *DeviceHandler) Current(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	deviceID := strings.TrimSpace(c.Request().Header.Get("X-Device-Id"))
	if deviceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "X-Device-Id required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	devices, err := h.Devices.List(ctx, uid)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	for _, d := range devices {
		if d.DeviceID == deviceID {
			return c.JSON(http.StatusOK, toDevicePart(d))
		}
	}
	return c.JSON(http.StatusNotFound, echo.Map{"error": "device not found"})
}

func toDevicePart(d model.Device) devicePart {
	return devicePart{
		DeviceID:   d.DeviceID,
		Name:       d.Name,
		Trusted:    d.Trusted,
		LastUsedAt: d.LastUsedAt,
		CreatedAt:  d.CreatedAt,
	}
}
