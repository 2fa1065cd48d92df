package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/assistant"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

// TenantStatus is a tenant as reported by the API.
type TenantStatus struct {
	session.Snapshot
	Name     string                          `json:"name,omitempty"`
	Disabled bool                            `json:"disabled,omitempty"`
	Messages map[channels.DeliveryStatus]int `json:"messages,omitempty"`
}

func (g *Gateway) register(e *echo.Echo) {
	e.GET("/health", g.handleHealth)

	api := e.Group("/api")
	api.GET("/tenants", g.handleListTenants)
	api.GET("/alerts", g.handleAlerts)
	api.POST("/redeliver", g.handleRedeliver)

	t := api.Group("/tenants/:id")
	t.GET("", g.handleTenant)
	t.GET("/session", g.handleTenant)
	t.POST("/connect", g.handleConnect)
	t.POST("/disconnect", g.handleDisconnect)
	t.POST("/restart", g.handleRestart)
	t.POST("/logout", g.handleLogout)
	t.GET("/qr", g.handleQR)
	t.GET("/events", g.handleEvents)
	t.GET("/pending", g.handlePending)
	t.GET("/alerts", g.handleAlerts)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
		"tenants": len(g.assistant.Tenants()),
	})
}

func (g *Gateway) handleListTenants(c echo.Context) error {
	ids := g.assistant.Tenants()
	out := make([]TenantStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.status(id, nil))
	}
	return c.JSON(http.StatusOK, map[string]any{"tenants": out})
}

func (g *Gateway) handleTenant(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	counts, err := g.assistant.Stores().History.CountByStatus(c.Request().Context(), t.ID)
	if err != nil {
		g.logger.Warn("failed to count messages", "tenant", t.ID, "error", err)
	}
	return c.JSON(http.StatusOK, g.status(t.ID, counts))
}

func (g *Gateway) handleConnect(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	if err := t.Session.Initialize(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, g.status(t.ID, nil))
}

func (g *Gateway) handleDisconnect(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	t.Session.Disconnect()
	return c.JSON(http.StatusOK, g.status(t.ID, nil))
}

func (g *Gateway) handleRestart(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	if err := t.Session.Restart(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, g.status(t.ID, nil))
}

func (g *Gateway) handleLogout(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	if err := t.Session.Logout(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g.status(t.ID, nil))
}

func (g *Gateway) handleQR(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	code := t.Session.QRCode()
	if code == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no QR code pending")
	}
	return c.JSON(http.StatusOK, map[string]string{"tenant_id": t.ID, "qr_code": code})
}

func (g *Gateway) handlePending(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}
	msgs, err := g.assistant.Stores().History.Pending(c.Request().Context(), t.ID, queryLimit(c, 100))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []channels.OutboundMessage{}
	}
	return c.JSON(http.StatusOK, map[string]any{"pending": msgs})
}

// handleAlerts serves both /api/alerts and /api/tenants/:id/alerts.
func (g *Gateway) handleAlerts(c echo.Context) error {
	tenantID := ""
	if c.Param("id") != "" {
		t, err := g.tenant(c)
		if err != nil {
			return err
		}
		tenantID = t.ID
	}
	alerts, err := g.assistant.Stores().Alerts.List(c.Request().Context(), tenantID, queryLimit(c, 50))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"alerts": alerts})
}

func (g *Gateway) handleRedeliver(c echo.Context) error {
	stats, err := g.assistant.Redeliverer().Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// handleEvents streams the tenant's session state changes over a websocket,
// starting with the current state.
func (g *Gateway) handleEvents(c echo.Context) error {
	t, err := g.tenant(c)
	if err != nil {
		return err
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already answered the request.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	events, unsubscribe := t.Session.Subscribe()
	defer unsubscribe()

	logger := g.logger.With("tenant", t.ID, "remote_ip", c.RealIP())
	logger.Info("event stream opened")
	defer logger.Info("event stream closed")

	snap := t.Session.Snapshot()
	if err := conn.WriteJSON(session.StateChange{
		TenantID: t.ID,
		State:    snap.State,
		QRCode:   snap.QRCode,
		Reason:   snap.LastCloseReason,
		At:       time.Now(),
	}); err != nil {
		return nil
	}

	// Drain client frames so close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return nil
			}
		}
	}
}

// tenant resolves :id to a wired tenant. Unknown IDs are 404.
func (g *Gateway) tenant(c echo.Context) (*assistant.Tenant, error) {
	id := strings.TrimSpace(c.Param("id"))
	if _, ok := g.assistant.Config().Tenant(id); !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	t, err := g.assistant.Tenant(id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return t, nil
}

// status reports a tenant without building its session.
func (g *Gateway) status(id string, counts map[channels.DeliveryStatus]int) TenantStatus {
	st := TenantStatus{
		Snapshot: session.Snapshot{TenantID: id, State: session.StateDisconnected},
		Messages: counts,
	}
	if tc, ok := g.assistant.Config().Tenant(id); ok {
		st.Name = tc.Name
		st.Disabled = tc.Disabled
	}
	if s := g.assistant.Registry().Get(id); s != nil {
		st.Snapshot = s.Snapshot()
	}
	return st
}

// checkOrigin accepts same-host requests, requests without an Origin
// header, and the configured CORS origins.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func queryLimit(c echo.Context, def int) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}
