package database

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Backend: BackendSQLite,
		Driver:  "sqlite",
		Path:    filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCatalog(t *testing.T, db *DB) *CatalogStore {
	t.Helper()
	c := NewCatalogStore(db)
	ctx := context.Background()
	require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
		Product:  directive.Product{ID: "p1", Name: "حذاء", Price: 10, Stock: 5},
		TenantID: "acme",
	}))
	require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
		Product:  directive.Product{ID: "p2", Name: "كوتشي أبيض", Price: 12.5, Stock: 1, ImageURL: "https://cdn.example.com/white.jpg"},
		TenantID: "acme",
		Keywords: []string{"سنيكرز"},
	}))
	require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
		Product:  directive.Product{ID: "p3", Name: "حذاء", Price: 99, Stock: 100},
		TenantID: "globex",
	}))
	return c
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestMigrateProductsKeyedPerTenant(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "v1.db"))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	for _, stmt := range []string{
		`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at BIGINT NOT NULL)`,
		`INSERT INTO schema_version (version, applied_at) VALUES (1, 0)`,
		`CREATE TABLE products (
			id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL DEFAULT 0, stock INTEGER NOT NULL DEFAULT 0,
			image_url TEXT NOT NULL DEFAULT '', keywords TEXT NOT NULL DEFAULT '', updated_at BIGINT NOT NULL)`,
		`INSERT INTO products (id, tenant_id, name, price, stock, updated_at) VALUES ('sku-1', 'acme', 'حذاء', 10, 5, 0)`,
	} {
		_, err := sqlDB.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	db := &DB{DB: sqlDB, backend: BackendSQLite, logger: slog.Default()}
	require.NoError(t, db.Migrate(ctx))

	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	c := NewCatalogStore(db)
	require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
		Product:  directive.Product{ID: "sku-1", Name: "قميص", Price: 20, Stock: 2},
		TenantID: "globex",
	}))

	acme, err := c.Products(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "حذاء", acme[0].Name, "existing rows survive the rebuild")

	globex, err := c.Products(ctx, "globex")
	require.NoError(t, err)
	require.Len(t, globex, 1)
	assert.Equal(t, "قميص", globex[0].Name)
}

func TestRebind(t *testing.T) {
	pg := &DB{backend: BackendPostgreSQL}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.Rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &DB{backend: BackendSQLite}
	assert.Equal(t, "x = ?", lite.Rebind("x = ?"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())
	assert.Empty(t, lite.forUpdate())
}

func TestCatalog(t *testing.T) {
	db := openTestDB(t)
	c := seedCatalog(t, db)
	ctx := context.Background()

	t.Run("exact and tenant scoped", func(t *testing.T) {
		p, err := c.FindProduct(ctx, "acme", "حذاء")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)

		p, err = c.FindProduct(ctx, "globex", "حذاء")
		require.NoError(t, err)
		assert.Equal(t, "p3", p.ID)
	})

	t.Run("fuzzy", func(t *testing.T) {
		p, err := c.FindProduct(ctx, "acme", "كوتشي ابيض")
		require.NoError(t, err)
		assert.Equal(t, "p2", p.ID)

		p, err = c.FindProduct(ctx, "acme", "عايز سنيكرز")
		require.NoError(t, err)
		assert.Equal(t, "p2", p.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.FindProduct(ctx, "acme", "شنطة")
		assert.ErrorIs(t, err, directive.ErrProductNotFound)
	})

	t.Run("media", func(t *testing.T) {
		url, found, err := c.FindMedia(ctx, "acme", "كوتشي أبيض")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "https://cdn.example.com/white.jpg", url)

		_, found, err = c.FindMedia(ctx, "acme", "كوتشي أحمر")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = c.FindMedia(ctx, "acme", "حذاء")
		require.NoError(t, err)
		assert.False(t, found, "products without images have no media")
	})

	t.Run("same sku in two stores", func(t *testing.T) {
		require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
			Product:  directive.Product{ID: "sku-1", Name: "شنطة جلد", Price: 300, Stock: 3},
			TenantID: "acme",
		}))
		require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
			Product:  directive.Product{ID: "sku-1", Name: "قميص", Price: 80, Stock: 7},
			TenantID: "globex",
		}))

		p, err := c.Product(ctx, "acme", "sku-1")
		require.NoError(t, err)
		assert.Equal(t, "شنطة جلد", p.Name)
		assert.Equal(t, 3, p.Stock)

		p, err = c.Product(ctx, "globex", "sku-1")
		require.NoError(t, err)
		assert.Equal(t, "قميص", p.Name)

		require.NoError(t, NewOrderStore(db).DecrementStock(ctx, "globex", "sku-1", 2))
		p, err = c.Product(ctx, "acme", "sku-1")
		require.NoError(t, err)
		assert.Equal(t, 3, p.Stock, "another store's order leaves this stock alone")

		require.NoError(t, c.UpsertProduct(ctx, &CatalogProduct{
			Product:  directive.Product{ID: "sku-1", Name: "شنطة جلد", Price: 280, Stock: 3},
			TenantID: "acme",
		}))
		p, err = c.Product(ctx, "acme", "sku-1")
		require.NoError(t, err)
		assert.Equal(t, 280.0, p.Price, "re-import updates in place")
	})

	t.Run("summary", func(t *testing.T) {
		s, err := c.Summary(ctx, "acme")
		require.NoError(t, err)
		assert.Contains(t, s, "- حذاء: 10.00 (in stock, 5 left)")
		assert.NotContains(t, s, "99")
	})
}

func TestPlaceOrder(t *testing.T) {
	db := openTestDB(t)
	c := seedCatalog(t, db)
	orders := NewOrderStore(db)
	ctx := context.Background()

	fields := directive.OrderFields{
		Product: "حذاء", Quantity: 1, CustomerName: "أحمد", Phone: "0100000000",
		Address: "القاهرة", Size: "40", Color: "أسود",
	}

	number, err := orders.PlaceOrder(ctx, "acme", fields, "p1")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ORD-[0-9A-F]{8}$`), number)

	p, err := c.Product(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Stock)

	o, err := orders.Order(ctx, "acme", number)
	require.NoError(t, err)
	assert.Equal(t, "أحمد", o.CustomerName)
	assert.Equal(t, 10.0, o.Total)

	t.Run("insufficient stock rolls back", func(t *testing.T) {
		fields := fields
		fields.Quantity = 2
		_, err := orders.PlaceOrder(ctx, "acme", fields, "p2")
		assert.ErrorIs(t, err, directive.ErrInsufficientStock)

		p, err := c.Product(ctx, "acme", "p2")
		require.NoError(t, err)
		assert.Equal(t, 1, p.Stock)
	})

	t.Run("other tenant's product", func(t *testing.T) {
		_, err := orders.PlaceOrder(ctx, "acme", fields, "p3")
		assert.ErrorIs(t, err, directive.ErrProductNotFound)
	})

	t.Run("concurrent orders never oversell", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		placed := 0
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := orders.PlaceOrder(ctx, "acme", fields, "p1"); err == nil {
					mu.Lock()
					placed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 4, placed)
		p, err := c.Product(ctx, "acme", "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.Stock)
	})

	t.Run("decrement refuses negative stock", func(t *testing.T) {
		assert.ErrorIs(t, orders.DecrementStock(ctx, "acme", "p1", 1), directive.ErrInsufficientStock)
	})
}

func TestCart(t *testing.T) {
	db := openTestDB(t)
	cart := NewCartStore(db)
	ctx := context.Background()

	require.NoError(t, cart.AddCartItem(ctx, "acme", "201", "p1", 2))
	require.NoError(t, cart.AddCartItem(ctx, "acme", "201", "p1", 1))
	require.NoError(t, cart.AddCartItem(ctx, "acme", "201", "p2", 1))
	require.NoError(t, cart.AddCartItem(ctx, "acme", "202", "p1", 5))
	assert.Error(t, cart.AddCartItem(ctx, "acme", "201", "p1", 0))

	items, err := cart.Items(ctx, "acme", "201")
	require.NoError(t, err)
	assert.Equal(t, []CartItem{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 1}}, items)
}

func TestHistory(t *testing.T) {
	db := openTestDB(t)
	h := NewHistoryStore(db)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	in := channels.InboundMessage{ID: "m1", TenantID: "acme", SenderID: "201", ConversationID: "201", Text: "price?", ReceivedAt: base}
	require.NoError(t, h.AppendInbound(ctx, in))
	require.NoError(t, h.AppendInbound(ctx, in), "duplicate inbound is ignored")

	out := &channels.OutboundMessage{
		ID: "o1", TenantID: "acme", ConversationID: "201", Text: "10 EGP",
		Status: channels.StatusPending, CorrelationID: "m1", CreatedAt: base.Add(time.Second),
		Attachments: []channels.Attachment{{Type: channels.MessageImage, URL: "https://x/y.jpg"}},
	}
	require.NoError(t, h.AppendOutbound(ctx, out))
	require.NoError(t, h.AppendOutbound(ctx, &channels.OutboundMessage{
		ID: "o0", TenantID: "globex", ConversationID: "9", Text: "hi", Status: channels.StatusSent,
		CreatedAt: base,
	}))

	t.Run("recent is oldest first", func(t *testing.T) {
		entries, err := h.Recent(ctx, "acme", "201", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, channels.DirectionInbound, entries[0].Direction)
		assert.Equal(t, "10 EGP", entries[1].Text)

		entries, err = h.Recent(ctx, "acme", "201", 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "10 EGP", entries[0].Text)
	})

	t.Run("pending", func(t *testing.T) {
		pending, err := h.Pending(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "o1", pending[0].ID)
		assert.Equal(t, "m1", pending[0].CorrelationID)
		require.Len(t, pending[0].Attachments, 1)
		assert.Equal(t, "https://x/y.jpg", pending[0].Attachments[0].URL)

		pending, err = h.Pending(ctx, "globex", 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		tenants, err := h.PendingTenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme"}, tenants)

		pending, err = h.PendingConversation(ctx, "acme", "201", 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		pending, err = h.PendingConversation(ctx, "acme", "202", 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("mark status", func(t *testing.T) {
		require.NoError(t, h.MarkStatus(ctx, "o1", channels.StatusSent, 2))
		pending, err := h.Pending(ctx, "acme", 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		counts, err := h.CountByStatus(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, 1, counts[channels.StatusSent])

		assert.ErrorIs(t, h.MarkStatus(ctx, "missing", channels.StatusSent, 1), ErrNotFound)

		tenants, err := h.PendingTenants(ctx)
		require.NoError(t, err)
		assert.Empty(t, tenants)
	})

	t.Run("image parts stay out of recent", func(t *testing.T) {
		require.NoError(t, h.AppendOutbound(ctx, &channels.OutboundMessage{
			ID: "o2", TenantID: "acme", ConversationID: "201", Status: channels.StatusSent,
			CreatedAt:   base.Add(2 * time.Second),
			Attachments: []channels.Attachment{{Type: channels.MessageImage, URL: "https://x/z.jpg"}},
		}))
		entries, err := h.Recent(ctx, "acme", "201", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "10 EGP", entries[1].Text)
	})
}

func TestAlerts(t *testing.T) {
	db := openTestDB(t)
	a := NewAlertStore(db)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Insert(ctx, &Alert{TenantID: "acme", Kind: "session_not_open", Message: "queued", CreatedAt: base}))
	require.NoError(t, a.Insert(ctx, &Alert{TenantID: "globex", Kind: "reconnect_exhausted", Message: "down", CreatedAt: base.Add(time.Minute)}))

	all, err := a.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "globex", all[0].TenantID, "newest first")
	assert.True(t, all[1].CreatedAt.Equal(base))

	acme, err := a.List(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, acme, 1)
}

func TestOrderNumber(t *testing.T) {
	seen := map[string]bool{}
	for range 100 {
		n := NewOrderNumber()
		assert.Regexp(t, `^ORD-[0-9A-F]{8}$`, n)
		seen[n] = true
	}
	assert.Greater(t, len(seen), 95)
}
