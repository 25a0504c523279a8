package tracking

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/mssola/useragent"

	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
)

var pixel = []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b}

// HitRecorder stores a hit for later persistence
type HitRecorder interface {
	Append(h models.StatHit) error
}

// UnsubscribeService removes the registrations of a recipient
type UnsubscribeService interface {
	Unsubscribe(ctx context.Context, mailingID, userID int64) (int64, error)
}

type Handler struct {
	signer    *Signer
	hits      HitRecorder
	unsub     UnsubscribeService
	rateLimit int
	logger    *slog.Logger
}

// NewHandler creates the tracking handler. rateLimit is the number of
// requests allowed per IP and minute, 0 disables the limit.
func NewHandler(signer *Signer, hits HitRecorder, unsub UnsubscribeService, rateLimit int, logger *slog.Logger) *Handler {
	return &Handler{
		signer:    signer,
		hits:      hits,
		unsub:     unsub,
		rateLimit: rateLimit,
		logger:    logger.With("component", "tracking"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)
	if h.rateLimit > 0 {
		r.Use(httprate.Limit(h.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				metrics.IncRateLimitExceeded()
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			}),
		))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Route("/t", func(r chi.Router) {
		r.Get("/read/{payload}/{sig}", h.read)
		r.Get("/continue/{payload}/{sig}", h.follow)
		r.Get("/unsubscribe/{payload}/{sig}", h.unsubscribe)
		// List-Unsubscribe-Post one-click
		r.Post("/unsubscribe/{payload}/{sig}", h.unsubscribe)
	})
	return r
}

func (h *Handler) decode(r *http.Request) (string, error) {
	return h.signer.Decode(chi.URLParam(r, "payload"), chi.URLParam(r, "sig"))
}

// read serves the pixel whatever the outcome
func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	defer writePixel(w)

	data, err := h.decode(r)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		return
	}
	link, err := parseRead(data)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		return
	}
	h.record(r, link.broadcastID, link.userKey, models.ReadMarker, metrics.HitOpen)
}

func (h *Handler) follow(w http.ResponseWriter, r *http.Request) {
	data, err := h.decode(r)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	link, err := parseContinue(data)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	h.record(r, link.broadcastID, link.userKey, link.target, metrics.HitClick)
	http.Redirect(w, r, link.target, http.StatusFound)
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	data, err := h.decode(r)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	link, err := parseUnsubscribe(data)
	if err != nil {
		metrics.IncHits(metrics.HitInvalid)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	_, err = h.unsub.Unsubscribe(r.Context(), link.mailingID, link.userID)
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("unsubscribe failed", "mailing_id", link.mailingID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("You have been unsubscribed.\n"))
}

func (h *Handler) record(r *http.Request, broadcastID int64, userKey, url, hitType string) {
	now := time.Now()
	hit := models.StatHit{
		BroadcastID: broadcastID,
		URL:         url,
		UserKey:     userKey,
		Created:     now,
		Updated:     now,
	}
	if ua := r.UserAgent(); ua != "" {
		parsed := useragent.New(ua)
		hit.OSName = parsed.OSInfo().Name
		hit.BrowserName, _ = parsed.Browser()
	}

	if err := h.hits.Append(hit); err != nil {
		h.logger.Error("failed to buffer hit", "broadcast_id", broadcastID, "error", err)
		return
	}
	metrics.IncHits(hitType)
}

func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(pixel)
}
