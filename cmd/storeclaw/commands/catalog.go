package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/database"
	"github.com/jholhewres/storeclaw/pkg/storeclaw/directive"
)

// catalogFile is the import format:
//
//	products:
//	  - id: sku-1
//	    name: كوتشي أبيض
//	    price: 450
//	    stock: 12
//	    image_url: https://cdn.example.com/white.jpg
//	    keywords: [سنيكرز, sneakers]
type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

type catalogEntry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Price    float64  `yaml:"price"`
	Stock    int      `yaml:"stock"`
	ImageURL string   `yaml:"image_url"`
	Keywords []string `yaml:"keywords"`
}

// newCatalogCmd creates `storeclaw catalog`.
func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage store catalogs",
		Long: `Import and list the products the assistant sells. Product names,
prices and stock feed the prompt; images back [SEND_IMAGE] and stock is
decremented by [CREATE_ORDER].

Examples:
  storeclaw catalog import acme products.yaml
  storeclaw catalog list acme`,
	}
	cmd.AddCommand(newCatalogImportCmd(), newCatalogListCmd())
	return cmd
}

func newCatalogImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <tenant> <file.yaml>",
		Short: "Insert or update products from a YAML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			tenantID := args[0]
			if _, err := requireTenant(cfg, tenantID); err != nil {
				return err
			}

			products, err := readCatalogFile(args[1])
			if err != nil {
				return err
			}

			ctx := context.Background()
			db, err := openDatabase(ctx, cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			store := database.NewCatalogStore(db)
			for _, p := range products {
				p.TenantID = tenantID
				if err := store.UpsertProduct(ctx, &p); err != nil {
					return fmt.Errorf("importing %q: %w", p.Name, err)
				}
			}
			fmt.Printf("Imported %d products into %s.\n", len(products), tenantID)
			return nil
		},
	}
}

func newCatalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant>",
		Short: "List a store's products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := requireTenant(cfg, args[0]); err != nil {
				return err
			}

			ctx := context.Background()
			db, err := openDatabase(ctx, cfg, quietLogger(cmd))
			if err != nil {
				return err
			}
			defer db.Close()

			products, err := database.NewCatalogStore(db).Products(ctx, args[0])
			if err != nil {
				return err
			}
			if len(products) == 0 {
				fmt.Println("The catalog is empty.")
				return nil
			}
			for _, p := range products {
				image := ""
				if p.ImageURL != "" {
					image = " 🖼"
				}
				fmt.Printf("%-36s %-30s %10.2f  stock=%-4d%s\n", p.ID, p.Name, p.Price, p.Stock, image)
			}
			return nil
		},
	}
}

// readCatalogFile parses and checks an import file.
func readCatalogFile(path string) ([]database.CatalogProduct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	out := make([]database.CatalogProduct, 0, len(file.Products))
	for i, e := range file.Products {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("product %d has no name", i+1)
		}
		if e.Price < 0 || e.Stock < 0 {
			return nil, fmt.Errorf("product %q has a negative price or stock", name)
		}
		out = append(out, database.CatalogProduct{
			Product: directive.Product{
				ID:       strings.TrimSpace(e.ID),
				Name:     name,
				Price:    e.Price,
				Stock:    e.Stock,
				ImageURL: strings.TrimSpace(e.ImageURL),
			},
			Keywords: e.Keywords,
		})
	}
	return out, nil
}
