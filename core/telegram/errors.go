package telegram

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/dialogbot/core/netutil"
	"github.com/m3rciful/dialogbot/core/outbound"

	tele "gopkg.in/telebot.v4"
)

// wrapError turns Bot API failures into *outbound.APIError so the caller can
// classify them. Transport errors are returned unchanged.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return &outbound.APIError{
			Code:        http.StatusTooManyRequests,
			Description: netutil.Redact(err),
			RetryAfter:  time.Duration(floodErr.RetryAfter) * time.Second,
		}
	}

	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return &outbound.APIError{Code: http.StatusBadRequest, Description: netutil.Redact(err)}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return &outbound.APIError{Code: apiErr.Code, Description: apiErr.Description}
	}

	if code := codeFromMessage(err.Error()); code >= 400 {
		return &outbound.APIError{Code: code, Description: netutil.Redact(err)}
	}
	return err
}

// codeFromMessage reads the trailing "(code)" telebot appends to API errors.
func codeFromMessage(msg string) int {
	lastOpen := strings.LastIndex(msg, "(")
	lastClose := strings.LastIndex(msg, ")")
	if lastOpen < 0 || lastClose <= lastOpen+1 {
		return 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(msg[lastOpen+1 : lastClose]))
	if err != nil {
		return 0
	}
	return code
}
