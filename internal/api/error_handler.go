package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/controller"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/util"
)

// ErrorHandler renders every failure as {reason, message}. Causes wrapped in
// service errors are logged, never written to the client.
func ErrorHandler(log *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			authErr *service.AuthError
			respErr util.MyResponseError
			he      *echo.HTTPError
		)

		switch {
		case errors.As(err, &authErr):
			status := authErr.HTTPStatus()
			if status >= http.StatusInternalServerError {
				log.Errorw("Auth infrastructure failure", "error", err, "uri", c.Request().RequestURI)
			}
			writeError(c, log, status, string(authErr.Reason), authErr.Message())

		case errors.As(err, &respErr):
			writeError(c, log, respErr.Status, respErr.Reason, respErr.Msg)

		case errors.As(err, &he):
			if he.Code == http.StatusInternalServerError {
				log.Errorw("HTTP error", "error", err, "uri", c.Request().RequestURI)
			}
			writeError(c, log, he.Code, reasonForStatus(he.Code), fmt.Sprint(he.Message))

		default:
			log.Errorw("unhandled error", "error", err, "uri", c.Request().RequestURI)
			writeError(c, log, http.StatusInternalServerError, reasonForStatus(http.StatusInternalServerError), "internal server error")
		}
	}
}

func writeError(c echo.Context, log *zap.SugaredLogger, status int, reason, message string) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, controller.ErrorResponse{Reason: reason, Message: message})
	}
	if err != nil {
		log.Errorw("failed to write json response", "error", err)
	}
}

// reasonForStatus turns a status into an upper snake case reason code.
func reasonForStatus(code int) string {
	if code == http.StatusBadRequest {
		return "VALIDATION_ERROR"
	}
	text := http.StatusText(code)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
