// Command webhook-receiver is a local sink for fingerprint mismatch webhooks.
package main

import (
	"errors"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/util"
)

const defaultAddr = ":9090"

func newReceiver(log *zap.SugaredLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.POST("/", func(c echo.Context) error {
		var event models.FingerprintMismatch
		if err := c.Bind(&event); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Error parsing JSON")
		}

		log.Infow("Received webhook",
			"userID", event.UserID,
			"sessionID", event.SessionID,
			"oldIP", event.OldIP,
			"newIP", event.NewIP,
			"oldUserAgent", event.OldUserAgent,
			"userAgent", event.UserAgent,
			"blocked", event.Blocked,
		)
		return c.String(http.StatusOK, "Webhook received!")
	})

	return e
}

func main() {
	log := util.NewZapLogger()
	defer func() { _ = log.Sync() }()

	addr := os.Getenv("WEBHOOK_RECEIVER_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	log.Infof("Webhook receiver listening on %s", addr)
	if err := newReceiver(log).Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
