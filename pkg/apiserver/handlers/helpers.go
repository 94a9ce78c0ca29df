package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alertrelay/alertrelay/pkg/monitor"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

const (
	timeRFC3339Nano = time.RFC3339Nano
	maxLimit        = 500
)

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > maxLimit {
		return maxLimit
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil || value.IsZero() {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, postgres.ErrNotFound), errors.Is(err, postgres.ErrInboundNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrAlreadyRunning),
		errors.Is(err, monitor.ErrAlreadySent),
		errors.Is(err, monitor.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrChannelNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": msg})
}
