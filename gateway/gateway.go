// Package gateway wires the process together: session transport, webhook
// ingress, tool registry, health and metrics surfaces, all behind one HTTP
// listener.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/payrelay/payrelay-go/auth"
	"github.com/payrelay/payrelay-go/internal/chain"
	"github.com/payrelay/payrelay-go/internal/config"
	"github.com/payrelay/payrelay-go/internal/engine"
	"github.com/payrelay/payrelay-go/internal/jwtauth"
	"github.com/payrelay/payrelay-go/internal/logctx"
	"github.com/payrelay/payrelay-go/internal/payments"
	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
	"github.com/payrelay/payrelay-go/sessions/memoryhost"
	"github.com/payrelay/payrelay-go/sessions/redishost"
	"github.com/payrelay/payrelay-go/streaminghttp"
	"github.com/payrelay/payrelay-go/tools"
	"github.com/payrelay/payrelay-go/webhooks"
)

// Version is stamped at build time.
var Version = "dev"

// Gateway is the assembled process. Build it with New, serve it with Run or
// mount Handler() under a test server.
type Gateway struct {
	cfg     *config.Config
	log     *slog.Logger
	eng     *engine.Engine
	mux     *http.ServeMux
	metrics *metrics
	started time.Time
}

// Option configures New.
type Option func(*options)

type options struct {
	log  *slog.Logger
	host sessions.SessionHost
	sink webhooks.Sink
}

// WithGatewayLogger overrides the process logger.
func WithGatewayLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSessionHost overrides the configured session host, for tests.
func WithSessionHost(host sessions.SessionHost) Option {
	return func(o *options) { o.host = host }
}

// WithWebhookSink installs a consumer for verified webhook events.
func WithWebhookSink(sink webhooks.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// New assembles a gateway from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		log = slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
	}

	host := o.host
	if host == nil {
		switch cfg.SessionBackend {
		case "redis":
			h, err := redishost.NewFromEnv()
			if err != nil {
				return nil, fmt.Errorf("redis session host: %w", err)
			}
			host = h
		default:
			host = memoryhost.New()
		}
	}

	authenticator, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := tools.Deps{SendWallet: cfg.Node.SendWallet}
	if cfg.Node.RPCURL != "" {
		nodeClient, err := chain.NewClient(cfg.Node.RPCURL, chain.WithAPIKey(cfg.Node.APIKey))
		if err != nil {
			return nil, fmt.Errorf("node client: %w", err)
		}
		deps.Chain = nodeClient
	}
	if cfg.Payments.NOWPaymentsAPIKey != "" {
		payClient, err := payments.NewNOWPaymentsClient(cfg.Payments.NOWPaymentsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("payments client: %w", err)
		}
		deps.NOWPayments = payClient
	}

	registry, err := tools.NewRegistry(deps)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	g := &Gateway{cfg: cfg, log: log, started: time.Now()}
	g.metrics = newMetrics(func() int { return g.eng.SessionCount() })

	g.eng = engine.NewEngine(host, registry,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "payrelay", Version: Version}),
		engine.WithInstructions("Payment and blockchain operations for the "+cfg.Network+" network."),
		engine.WithToolCallObserver(g.metrics.observeToolCall),
		engine.WithResource(
			mcp.Resource{
				URI:         "payrelay://network",
				Name:        "network",
				Description: "The chain network this gateway operates on.",
				MimeType:    "text/plain",
			},
			mcp.ResourceContents{URI: "payrelay://network", MimeType: "text/plain", Text: cfg.Network},
		),
	)

	rpcHandler, err := streaminghttp.New(g.eng, authenticator,
		streaminghttp.WithLogger(log),
		streaminghttp.WithRealm("payrelay"))
	if err != nil {
		return nil, fmt.Errorf("rpc handler: %w", err)
	}

	sink := o.sink
	if sink == nil {
		sink = func(ctx context.Context, ev *webhooks.Event) error {
			log.InfoContext(ctx, "webhook.event",
				slog.String("provider", string(ev.Provider)),
				slog.String("order_id", ev.OrderID),
				slog.String("status", string(ev.Status)),
				slog.Bool("terminal", ev.Status.Terminal()))
			return nil
		}
	}
	router := webhooks.NewRouter(webhooks.Secrets{
		CoinPayments: cfg.Webhooks.CoinPaymentsIPNSecret,
		NOWPayments:  cfg.Webhooks.NOWPaymentsIPNSecret,
		Coinbase:     cfg.Webhooks.CoinbaseWebhookSecret,
	},
		webhooks.WithRouterLogger(log),
		webhooks.WithSink(sink),
		webhooks.WithVerifyObserver(g.metrics.observeWebhookVerify),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", rpcHandler)
	router.Mount(mux, "/webhooks")
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /{$}", g.handleIndex(registry.List))
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.metrics.registry, promhttp.HandlerOpts{}))
	g.mux = mux

	return g, nil
}

func buildAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if cfg.JWT.JWKSURL != "" {
		jcfg := jwtauth.DefaultConfig()
		jcfg.Issuer = cfg.JWT.Issuer
		if cfg.JWT.Audience != "" {
			jcfg.ExpectedAudiences = []string{cfg.JWT.Audience}
		}
		a, err := jwtauth.New(ctx, jcfg, cfg.JWT.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("jwt authenticator: %w", err)
		}
		return a, nil
	}
	if cfg.AuthToken != "" {
		return auth.NewStaticToken(cfg.AuthToken)
	}
	return auth.NewAllowAll(), nil
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler { return g.mux }

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"version":        Version,
		"network":        g.cfg.Network,
		"uptime_seconds": int64(time.Since(g.started).Seconds()),
		"open_sessions":  g.eng.SessionCount(),
	})
}

// handleIndex serves the static capability listing: the exposed endpoints
// and the registered tools. Read-only, no side effects.
func (g *Gateway) handleIndex(list func(cursor string) ([]mcp.Tool, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var names []string
		cursor := ""
		for {
			page, next := list(cursor)
			for _, t := range page {
				names = append(names, t.Name)
			}
			if next == "" {
				break
			}
			cursor = next
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "payrelay",
			"version": Version,
			"network": g.cfg.Network,
			"endpoints": map[string]string{
				"rpc":      "/mcp",
				"webhooks": "/webhooks/{provider}",
				"health":   "/health",
				"metrics":  "/metrics",
			},
			"tools": names,
		})
	}
}

// Run serves the gateway until ctx is canceled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		g.log.Info("gateway.listen", slog.String("addr", g.cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	}
}
