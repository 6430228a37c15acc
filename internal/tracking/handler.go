package tracking

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-queue/internal/mailing"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// LinkVerifier checks a signed tracking link. mailing.LinkBuilder satisfies it.
type LinkVerifier interface {
	Verify(encoded, sig string) (*mailing.LinkData, error)
}

// EventPublisher accepts tracking events.
type EventPublisher interface {
	Publish(evt Event)
}

type Handler struct {
	links LinkVerifier
	pub   EventPublisher
	now   func() time.Time
}

func NewHandler(links LinkVerifier, pub EventPublisher) *Handler {
	return &Handler{links: links, pub: pub, now: time.Now}
}

// Routes serves the URLs produced by mailing.LinkBuilder. Unsubscribe
// accepts POST for RFC 8058 one-click requests from mailbox providers.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{data}/{sig}", h.HandleOpen)
	r.Get("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	r.Post("/track/unsubscribe/{data}/{sig}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen always answers with the pixel; only verified links are recorded.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	link, err := h.links.Verify(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		logger.Debug("rejected open link", "error", err)
		h.servePixel(w)
		return
	}

	h.pub.Publish(Event{
		EventType:    EventOpen,
		OrgID:        link.OrgID,
		CampaignID:   link.CampaignID,
		SubscriberID: link.SubscriberID,
		IPAddress:    realIP(r),
		UserAgent:    r.UserAgent(),
		Timestamp:    h.now().UTC(),
	})

	logger.Debug("open", "campaign_id", link.CampaignID, "subscriber_id", link.SubscriberID)
	h.servePixel(w)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	link, err := h.links.Verify(chi.URLParam(r, "data"), chi.URLParam(r, "sig"))
	if err != nil {
		logger.Warn("rejected unsubscribe link", "error", err, "ip", realIP(r))
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	h.pub.Publish(Event{
		EventType:        EventUnsubscribe,
		OrgID:            link.OrgID,
		CampaignID:       link.CampaignID,
		SubscriberID:     link.SubscriberID,
		UnsubscribeToken: link.UnsubscribeToken,
		IPAddress:        realIP(r),
		UserAgent:        r.UserAgent(),
		Timestamp:        h.now().UTC(),
	})

	logger.Info("unsubscribe", "campaign_id", link.CampaignID, "subscriber_id", link.SubscriberID)

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive this newsletter.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
