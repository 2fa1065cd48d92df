// Package gateway is the admin HTTP API: tenant session status and
// control, QR codes for pairing, live state events, undelivered replies
// and operator alerts.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/assistant"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/config"
)

// Gateway is the admin HTTP server.
type Gateway struct {
	assistant *assistant.Assistant
	config    config.GatewayConfig
	echo      *echo.Echo
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway over the assistant and registers its routes.
func New(a *assistant.Assistant, cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = config.DefaultConfig().Gateway.Address
	}
	g := &Gateway{
		assistant: a,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			g.logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
			MaxAge:       86400,
		}))
	}
	e.Use(g.authMiddleware)

	g.register(e)
	g.echo = e
	return g
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler { return g.echo }

// Start listens in the background.
func (g *Gateway) Start(ctx context.Context) error {
	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.echo.Start(g.config.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.logger.Info("gateway stopping...")
	return g.echo.Shutdown(ctx)
}
