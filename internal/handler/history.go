package handler

import (
    "context"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/auth-session-service/internal/repository"
)

// HistoryHandler serves the recent login attempts of the current account.
type HistoryHandler struct {
	History *repository.LoginHistoryRepo
}

func NewHistoryHandler(h *repository.LoginHistoryRepo) *HistoryHandler {
	return &HistoryHandler{History: h}
}

type historyPart struct {
	DeviceID  string    `json:"device_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// Recent: newest-first login attempts, capped at 100 per request.
func (h *HistoryHandler) Recent(c echo.Context) error {
	uid, ok := c.Get("user_id").(uint64)
	if !ok || uid == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	rows, err := h.History.RecentByAccount(ctx, uid, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	out := make([]historyPart, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyPart{DeviceID: r.DeviceID, IP: r.IP, Success: r.Success, CreatedAt: r.CreatedAt})
	}
	return c.JSON(http.StatusOK, echo.Map{"history": out})
}
