// Package assistant wires the per-tenant reply pipeline: session, inbound
// dispatcher, processing queue, response generator, directive interpreter
// and outbound sender.
//
// Message flow: transport event → dispatcher (filter, record) → queue
// (dedup, per-sender lane) → prompt → generator → directives → sender.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/config"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/credentials"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/database"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/dispatch"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/outbound"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/queue"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/responder"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/session"
)

// TransportFactory creates the transport of a tenant.
type TransportFactory func(tenantID string) (channels.Transport, error)

// Stores are the database stores the pipeline uses.
type Stores struct {
	History *database.HistoryStore
	Catalog *database.CatalogStore
	Orders  *database.OrderStore
	Cart    *database.CartStore
	Alerts  *database.AlertStore
}

// NewStores creates every store over db.
func NewStores(db *database.DB) Stores {
	return Stores{
		History: database.NewHistoryStore(db),
		Catalog: database.NewCatalogStore(db),
		Orders:  database.NewOrderStore(db),
		Cart:    database.NewCartStore(db),
		Alerts:  database.NewAlertStore(db),
	}
}

// Deps are the collaborators of an Assistant.
type Deps struct {
	DB          *database.DB
	Credentials credentials.Store
	Transports  TransportFactory

	// Dedup overrides the dedup cache built from the queue config.
	Dedup queue.Dedup

	// Providers override the providers built from the responder config.
	Providers []responder.Provider
}

// Tenant is the wired pipeline of one store.
type Tenant struct {
	ID         string
	Session    *session.Session
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Sender     *outbound.Sender
	Pipeline   *Pipeline
}

// Assistant runs every configured tenant.
type Assistant struct {
	cfg        *config.Config
	stores     Stores
	creds      credentials.Store
	transports TransportFactory
	dedup      queue.Dedup
	providers  []*responder.ProviderStrategy
	alerter    *outbound.StoreAlerter
	redeliver  *outbound.Redeliverer
	registry   *session.Registry
	logger     *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an assistant. Sessions are created lazily; Start connects
// the enabled tenants.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("assistant: database is required")
	}
	if deps.Transports == nil {
		return nil, fmt.Errorf("assistant: transport factory is required")
	}
	if deps.Credentials == nil {
		deps.Credentials = credentials.NewMemoryStore()
	}

	dedup := deps.Dedup
	if dedup == nil {
		var err error
		dedup, err = newDedup(ctx, cfg.Queue)
		if err != nil {
			return nil, err
		}
	}

	providers, err := buildProviders(cfg.Responder.Providers, deps.Providers)
	if err != nil {
		return nil, err
	}

	stores := NewStores(deps.DB)
	a := &Assistant{
		cfg:        cfg,
		stores:     stores,
		creds:      deps.Credentials,
		transports: deps.Transports,
		dedup:      dedup,
		providers:  providers,
		alerter:    outbound.NewStoreAlerter(stores.Alerts, cfg.Outbound.AlertQuiet, logger),
		logger:     logger.With("component", "assistant"),
		tenants:    make(map[string]*Tenant),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.registry = session.NewRegistry(a.buildSession, logger)
	a.redeliver = outbound.NewRedeliverer(stores.History, a.lookupSession, cfg.Outbound.Redelivery, a.alerter, logger)
	return a, nil
}

// Start connects every enabled tenant. Connection failures are logged;
// the reconnector keeps trying in the background.
func (a *Assistant) Start(ctx context.Context) error {
	tenants := a.cfg.EnabledTenants()
	for _, t := range tenants {
		if _, err := a.registry.Initialize(ctx, t.ID); err != nil {
			a.logger.Warn("tenant failed to connect", "tenant", t.ID, "error", err)
		}
	}
	a.logger.Info("assistant started", "tenants", len(tenants))
	return nil
}

// Stop disconnects every session, cancels in-flight pipelines and forgets
// the wired tenants.
func (a *Assistant) Stop() {
	a.registry.Shutdown()
	a.cancel()

	a.mu.Lock()
	a.tenants = make(map[string]*Tenant)
	a.mu.Unlock()

	if c, ok := a.dedup.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close dedup cache", "error", err)
		}
	}
	a.logger.Info("assistant stopped")
}

// Tenant returns the wired pipeline of a tenant, building it if needed.
func (a *Assistant) Tenant(id string) (*Tenant, error) {
	if _, err := a.registry.GetOrCreate(id); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tenants[id], nil
}

// Tenants lists the IDs of the configured tenants.
func (a *Assistant) Tenants() []string {
	ids := make([]string, 0, len(a.cfg.Tenants))
	for _, t := range a.cfg.Tenants {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// Registry returns the session registry.
func (a *Assistant) Registry() *session.Registry { return a.registry }

// Stores returns the database stores.
func (a *Assistant) Stores() Stores { return a.stores }

// Config returns the configuration.
func (a *Assistant) Config() *config.Config { return a.cfg }

// Alerter returns the alerter shared by every tenant.
func (a *Assistant) Alerter() outbound.Alerter { return a.alerter }

// Dedup returns the dedup cache shared by every tenant.
func (a *Assistant) Dedup() queue.Dedup { return a.dedup }

// Redeliverer returns the redeliverer shared by the scheduler, the admin
// API and every tenant's sender.
func (a *Assistant) Redeliverer() *outbound.Redeliverer { return a.redeliver }

func (a *Assistant) lookupSession(tenantID string) outbound.Session {
	s := a.registry.Get(tenantID)
	if s == nil {
		return nil
	}
	return s
}

// buildSession is the registry factory. It wires the whole pipeline of
// the tenant around its session.
func (a *Assistant) buildSession(tenantID string) (*session.Session, error) {
	tc, ok := a.cfg.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("unknown tenant %q", tenantID)
	}

	transport, err := a.transports(tenantID)
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", tenantID, err)
	}

	logger := a.logger.With("tenant", tenantID)
	sess := session.New(tenantID, transport, a.creds, a.cfg.SessionConfig(tc), logger)
	sess.SetExhaustedHandler(func(tenantID string, err error) {
		a.alerter.Alert(a.ctx, outbound.Alert{
			TenantID: tenantID,
			Kind:     outbound.AlertReconnectExhausted,
			Message:  err.Error(),
		})
	})

	sender := outbound.NewSender(sess, a.stores.History, a.alerter, logger)
	sender.SetFlusher(a.redeliver)
	prompts := &responder.PromptBuilder{
		SystemPrompt: a.cfg.SystemPrompt(tc),
		HistoryLimit: a.cfg.Responder.HistoryLimit,
		History:      a.stores.History,
		Catalog:      a.stores.Catalog,
		Logger:       logger,
	}
	generator := responder.NewGenerator(a.strategies(tc), logger)
	interpreter := directive.NewInterpreter(
		directive.NewDefaultRegistry(a.stores.Catalog, a.stores.Orders, a.stores.Cart), logger)

	pipeline := NewPipeline(tenantID, prompts, generator, interpreter, sender, logger)
	q := queue.New(a.dedup, a.cfg.QueueConfig(tc), pipeline.Handle, logger)
	d := dispatch.New(a.ctx, tenantID, q, a.stores.History, logger)
	sess.SetMessageHandler(d.HandleMessage)

	a.mu.Lock()
	a.tenants[tenantID] = &Tenant{
		ID:         tenantID,
		Session:    sess,
		Queue:      q,
		Dispatcher: d,
		Sender:     sender,
		Pipeline:   pipeline,
	}
	a.mu.Unlock()

	logger.Info("tenant pipeline ready", "providers", len(a.providers))
	return sess, nil
}

// strategies returns the providers, then canned replies, then the fallback.
func (a *Assistant) strategies(tc config.TenantConfig) []responder.Strategy {
	out := make([]responder.Strategy, 0, len(a.providers)+2)
	for _, p := range a.providers {
		out = append(out, p)
	}
	if rules := a.cfg.CannedReplies(tc); len(rules) > 0 {
		out = append(out, &responder.Canned{Rules: rules})
	}
	return append(out, &responder.Fallback{Text: a.cfg.FallbackText(tc)})
}

func newDedup(ctx context.Context, cfg config.QueueConfig) (queue.Dedup, error) {
	if cfg.RedisURL == "" {
		return queue.NewMemoryDedup(), nil
	}
	d, err := queue.NewRedisDedup(ctx, cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return nil, fmt.Errorf("connecting dedup cache: %w", err)
	}
	return d, nil
}

func buildProviders(cfgs []config.ProviderConfig, override []responder.Provider) ([]*responder.ProviderStrategy, error) {
	if override != nil {
		out := make([]*responder.ProviderStrategy, 0, len(override))
		for _, p := range override {
			out = append(out, &responder.ProviderStrategy{Provider: p})
		}
		return out, nil
	}

	out := make([]*responder.ProviderStrategy, 0, len(cfgs))
	for _, pc := range cfgs {
		var p responder.Provider
		switch pc.Name {
		case "anthropic":
			p = responder.NewAnthropicProvider(pc.APIKey, pc.BaseURL)
		case "openai":
			p = responder.NewOpenAIProvider(pc.APIKey, pc.BaseURL)
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
		out = append(out, &responder.ProviderStrategy{Provider: p, Options: pc.Options(), Timeout: pc.Timeout})
	}
	return out, nil
}
