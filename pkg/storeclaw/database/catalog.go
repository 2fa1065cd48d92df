package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
)

// CatalogStore reads and maintains a tenant's products.
type CatalogStore struct {
	db *DB
}

// NewCatalogStore creates a CatalogStore.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// CatalogProduct is a stored product.
type CatalogProduct struct {
	directive.Product
	TenantID string   `json:"tenant_id"`
	Keywords []string `json:"keywords,omitempty"`
}

// UpsertProduct inserts or replaces a product. An empty ID gets a UUID.
func (s *CatalogStore) UpsertProduct(ctx context.Context, p *CatalogProduct) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO products (id, tenant_id, name, price, stock, image_url, keywords, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = excluded.name, price = excluded.price, stock = excluded.stock,
			image_url = excluded.image_url, keywords = excluded.keywords, updated_at = excluded.updated_at`),
		p.ID, p.TenantID, p.Name, p.Price, p.Stock, p.ImageURL,
		strings.Join(p.Keywords, ","), toMillis(timeNow()))
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// Products lists a tenant's products by name.
func (s *CatalogStore) Products(ctx context.Context, tenantID string) ([]CatalogProduct, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, tenant_id, name, price, stock, image_url, keywords
		FROM products WHERE tenant_id = ? ORDER BY name`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []CatalogProduct
	for rows.Next() {
		var (
			p        CatalogProduct
			keywords string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Price, &p.Stock, &p.ImageURL, &keywords); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if keywords != "" {
			p.Keywords = strings.Split(keywords, ",")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Product returns a product by ID.
func (s *CatalogStore) Product(ctx context.Context, tenantID, id string) (*directive.Product, error) {
	var p directive.Product
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, name, price, stock, image_url FROM products WHERE tenant_id = ? AND id = ?`),
		tenantID, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.ImageURL)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// FindProduct matches name against the tenant's products: an exact name
// first, then a name containing or contained in the term, then keywords.
func (s *CatalogStore) FindProduct(ctx context.Context, tenantID, name string) (*directive.Product, error) {
	products, err := s.Products(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if p := match(products, name); p != nil {
		found := p.Product
		return &found, nil
	}
	return nil, directive.ErrProductNotFound
}

// FindMedia returns the image of the product matching term.
func (s *CatalogStore) FindMedia(ctx context.Context, tenantID, term string) (string, bool, error) {
	products, err := s.Products(ctx, tenantID)
	if err != nil {
		return "", false, err
	}
	withImages := products[:0]
	for _, p := range products {
		if p.ImageURL != "" {
			withImages = append(withImages, p)
		}
	}
	if p := match(withImages, term); p != nil {
		return p.ImageURL, true, nil
	}
	return "", false, nil
}

// Summary lists the catalog for prompts, one product per line.
func (s *CatalogStore) Summary(ctx context.Context, tenantID string) (string, error) {
	products, err := s.Products(ctx, tenantID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, p := range products {
		availability := "in stock"
		if p.Stock <= 0 {
			availability = "out of stock"
		}
		fmt.Fprintf(&sb, "- %s: %.2f (%s, %d left)\n", p.Name, p.Price, availability, max(p.Stock, 0))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func match(products []CatalogProduct, term string) *CatalogProduct {
	term = normalizeName(term)
	if term == "" {
		return nil
	}
	for i := range products {
		if normalizeName(products[i].Name) == term {
			return &products[i]
		}
	}
	for i := range products {
		name := normalizeName(products[i].Name)
		if strings.Contains(name, term) || strings.Contains(term, name) {
			return &products[i]
		}
	}
	for i := range products {
		for _, kw := range products[i].Keywords {
			if kw = normalizeName(kw); kw != "" && strings.Contains(term, kw) {
				return &products[i]
			}
		}
	}
	return nil
}

// normalizeName folds case, spacing and common Arabic letter variants.
func normalizeName(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.NewReplacer("أ", "ا", "إ", "ا", "آ", "ا", "ة", "ه", "ى", "ي").Replace(s)
}
