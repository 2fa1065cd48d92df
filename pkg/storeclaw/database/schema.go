package database

import (
	"context"
	"fmt"
)

// schemaVersion is the version recorded after applying schemaStatements.
const schemaVersion = 2

// schemaStatements are valid on both SQLite and PostgreSQL. Timestamps are
// unix milliseconds.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		direction       TEXT NOT NULL,
		sender_id       TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL,
		attachments     TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT '',
		correlation_id  TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		sent_at         BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (tenant_id, conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages (status, created_at)`,
	fmt.Sprintf(productsTable, "products"),
	`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id            TEXT PRIMARY KEY,
		order_number  TEXT NOT NULL UNIQUE,
		tenant_id     TEXT NOT NULL,
		product_id    TEXT NOT NULL,
		product_name  TEXT NOT NULL,
		quantity      INTEGER NOT NULL,
		unit_price    DOUBLE PRECISION NOT NULL,
		total         DOUBLE PRECISION NOT NULL,
		customer_name TEXT NOT NULL,
		phone         TEXT NOT NULL,
		address       TEXT NOT NULL,
		size          TEXT NOT NULL DEFAULT '',
		color         TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'new',
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_tenant ON orders (tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		tenant_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		product_id      TEXT NOT NULL,
		quantity        INTEGER NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, conversation_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		kind           TEXT NOT NULL,
		message        TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at)`,
}

// productsTable is keyed per tenant: two stores may use the same SKU.
const productsTable = `CREATE TABLE IF NOT EXISTS %s (
		id         TEXT NOT NULL,
		tenant_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		stock      INTEGER NOT NULL DEFAULT 0,
		image_url  TEXT NOT NULL DEFAULT '',
		keywords   TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`

// productsV2 rebuilds a version 1 products table, whose id was globally unique.
var productsV2 = []string{
	fmt.Sprintf(productsTable, "products_v2"),
	`INSERT INTO products_v2 (id, tenant_id, name, price, stock, image_url, keywords, updated_at)
		SELECT id, tenant_id, name, price, stock, image_url, keywords, updated_at FROM products`,
	`DROP TABLE products`,
	`ALTER TABLE products_v2 RENAME TO products`,
	`CREATE INDEX IF NOT EXISTS idx_products_tenant ON products (tenant_id)`,
}

// Migrate applies the schema. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == 1 {
		if err := db.migrateProducts(ctx); err != nil {
			return err
		}
	}
	if current < schemaVersion {
		_, err := db.ExecContext(ctx,
			db.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			schemaVersion, toMillis(timeNow()))
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	return nil
}

func (db *DB) migrateProducts(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin products migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range productsV2 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate products: %w", err)
		}
	}
	return tx.Commit()
}

// SchemaVersion returns the applied schema version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
