package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/payrelay/payrelay-go/internal/logctx"
)

// maxBodyBytes bounds a webhook delivery. Provider payloads are small; a
// larger body is hostile.
const maxBodyBytes = 1 << 20

// Sink receives verified, classified events. A sink error is logged and the
// delivery is still acknowledged, so the provider does not retry-storm over
// internal faults.
type Sink func(ctx context.Context, ev *Event) error

// VerifyObserver is notified of every verification outcome. Wired to the
// gateway's metrics; nil disables observation.
type VerifyObserver func(provider Provider, ok bool)

// Router terminates the per-provider webhook endpoints. One POST-only
// handler per provider: verify the signature over the raw bytes first, then
// parse, classify and hand off.
type Router struct {
	secrets Secrets
	sink    Sink
	log     *slog.Logger
	observe VerifyObserver

	limiters map[Provider]*rate.Limiter
}

// RouterOption configures the Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// WithSink sets the event sink.
func WithSink(sink Sink) RouterOption {
	return func(r *Router) { r.sink = sink }
}

// WithVerifyObserver registers a verification outcome observer.
func WithVerifyObserver(fn VerifyObserver) RouterOption {
	return func(r *Router) { r.observe = fn }
}

// WithRateLimit overrides the per-provider delivery rate limit.
func WithRateLimit(p Provider, limit rate.Limit, burst int) RouterOption {
	return func(r *Router) { r.limiters[p] = rate.NewLimiter(limit, burst) }
}

// NewRouter builds a Router over the configured secrets.
func NewRouter(secrets Secrets, opts ...RouterOption) *Router {
	r := &Router{
		secrets: secrets,
		log:     slog.Default(),
		limiters: map[Provider]*rate.Limiter{
			ProviderCoinPayments: rate.NewLimiter(rate.Every(100*time.Millisecond), 50),
			ProviderNOWPayments:  rate.NewLimiter(rate.Every(100*time.Millisecond), 50),
			ProviderCoinbase:     rate.NewLimiter(rate.Every(100*time.Millisecond), 50),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mount registers the provider endpoints under prefix (e.g. "/webhooks").
func (r *Router) Mount(mux *http.ServeMux, prefix string) {
	for _, p := range []Provider{ProviderCoinPayments, ProviderNOWPayments, ProviderCoinbase} {
		mux.Handle("POST "+prefix+"/"+string(p), r.handlerFor(p))
	}
}

func (r *Router) handlerFor(p Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.serveProvider(p, w, req)
	})
}

type ackBody struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	EventID  string `json:"event_id,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Status   string `json:"status,omitempty"`
}

func writeAck(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (r *Router) serveProvider(p Provider, w http.ResponseWriter, req *http.Request) {
	ctx := logctx.WithWebhookData(req.Context(), &logctx.WebhookData{Provider: string(p)})

	if lim := r.limiters[p]; lim != nil && !lim.Allow() {
		r.log.WarnContext(ctx, "webhook.rate_limited")
		writeAck(w, http.StatusTooManyRequests, map[string]any{"code": http.StatusTooManyRequests, "message": "rate limited"})
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		r.log.ErrorContext(ctx, "webhook.read.fail", slog.String("err", err.Error()))
		writeAck(w, http.StatusInternalServerError, map[string]any{"code": http.StatusInternalServerError, "message": "read failure"})
		return
	}
	if len(rawBody) > maxBodyBytes {
		r.log.WarnContext(ctx, "webhook.body.too_large")
		writeAck(w, http.StatusBadRequest, map[string]any{"code": http.StatusBadRequest, "message": "body too large"})
		return
	}

	sig := req.Header.Get(SignatureHeader(p))
	secret := r.secrets.secretFor(p)
	verified := Verify(p, rawBody, sig, secret)
	if r.observe != nil {
		r.observe(p, verified)
	}
	if !verified {
		// Distinguish misconfiguration from a bad or absent signature in the
		// logs; the caller sees the same rejection either way.
		if secret == "" {
			r.log.WarnContext(ctx, "webhook.secret.missing")
		} else {
			r.log.WarnContext(ctx, "webhook.verify.fail", slog.Bool("sig_present", sig != ""))
		}
		writeAck(w, http.StatusUnauthorized, map[string]any{"code": http.StatusUnauthorized, "message": "signature verification failed"})
		return
	}

	ev, err := ParseEvent(p, rawBody)
	if err != nil {
		r.log.WarnContext(ctx, "webhook.parse.fail", slog.String("err", err.Error()))
		writeAck(w, http.StatusBadRequest, map[string]any{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}

	ctx = logctx.WithWebhookData(ctx, &logctx.WebhookData{Provider: string(p), EventID: ev.EventID})
	r.log.InfoContext(ctx, "webhook.verify.ok",
		slog.String("order_id", ev.OrderID),
		slog.String("status", string(ev.Status)))

	if r.sink != nil {
		if err := r.sink(ctx, ev); err != nil {
			// Acknowledge anyway: the provider cannot fix our internal
			// faults and retries would only amplify them.
			r.log.ErrorContext(ctx, "webhook.sink.fail", slog.String("err", err.Error()))
		}
	}

	writeAck(w, http.StatusOK, ackBody{
		OK:       true,
		Provider: string(p),
		EventID:  ev.EventID,
		OrderID:  ev.OrderID,
		Status:   string(ev.Status),
	})
}
