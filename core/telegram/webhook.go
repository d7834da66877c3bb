package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/logger"
	"github.com/m3rciful/dialogbot/core/netutil"
	"github.com/m3rciful/dialogbot/core/source"

	tele "gopkg.in/telebot.v4"
)

const (
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody = 1 << 20
)

// WebhookHandler accepts Bot API updates pushed over HTTP and hands them to
// push. The reply is sent only after the update is processed and acked, so
// any non-2xx status, including an ack timeout, makes Telegram redeliver it.
func WebhookHandler(push *source.Push, secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(secret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var raw tele.Update
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&raw); err != nil {
			logger.Warn(r.Context(), "tg", "webhook.decode", slog.String("err", err.Error()))
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}

		switch err := push.Deliver(r.Context(), Convert(raw)); {
		case err == nil:
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, source.ErrStopped):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		case errors.Is(err, source.ErrNotAcked):
			http.Error(w, "not processed", http.StatusServiceUnavailable)
		default:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	})
}

// PublicURL returns the URL registered with setWebhook: cfg.URL with
// cfg.Path appended unless it already ends with it.
func PublicURL(cfg coreconfig.WebhookConfig) string {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.Path == "" || strings.HasSuffix(base, cfg.Path) {
		return base
	}
	return base + cfg.Path
}

// SetWebhook registers the public endpoint for the routed update kinds.
func SetWebhook(ctx context.Context, bot *tele.Bot, cfg coreconfig.WebhookConfig) error {
	public := PublicURL(cfg)
	err := withContext(ctx, func() error {
		return bot.SetWebhook(&tele.Webhook{
			Endpoint:       &tele.WebhookEndpoint{PublicURL: public},
			AllowedUpdates: allowedUpdates,
			SecretToken:    cfg.Secret,
		})
	})
	if err != nil {
		return fmt.Errorf("telegram: setWebhook: %s", netutil.Redact(err))
	}
	logger.Info(ctx, "tg", "webhook.set", slog.String("public_url", public))
	return nil
}

// RemoveWebhook unregisters any webhook so getUpdates is allowed.
func RemoveWebhook(ctx context.Context, bot *tele.Bot, dropPending bool) error {
	err := withContext(ctx, func() error { return bot.RemoveWebhook(dropPending) })
	if err != nil {
		return fmt.Errorf("telegram: deleteWebhook: %s", netutil.Redact(err))
	}
	logger.Info(ctx, "tg", "webhook.removed", slog.String("mode", coreconfig.RunModeLongpoll))
	return nil
}

// serveWebhook listens on cfg.Listen:cfg.Port and routes cfg.Path to h until
// ctx is done.
func serveWebhook(ctx context.Context, cfg coreconfig.WebhookConfig, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, h)
	addr := net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info(ctx, "tg", "webhook.listen",
		slog.String("listen", addr),
		slog.String("public_url", PublicURL(cfg)),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telegram: webhook server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
