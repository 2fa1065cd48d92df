package directive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Product is a catalog item as the handlers see it.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	ImageURL string  `json:"image_url,omitempty"`
}

var (
	// ErrProductNotFound is returned by Catalog.FindProduct for unknown names.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientStock is returned by Orders.PlaceOrder when stock is short.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Catalog looks up products and their media.
type Catalog interface {
	// FindMedia returns the image URL best matching term.
	FindMedia(ctx context.Context, tenantID, term string) (url string, found bool, err error)

	// FindProduct returns ErrProductNotFound when nothing matches.
	FindProduct(ctx context.Context, tenantID, name string) (*Product, error)
}

// OrderFields are the positional CREATE_ORDER arguments.
type OrderFields struct {
	Product      string
	Quantity     int
	CustomerName string
	Phone        string
	Address      string
	Size         string
	Color        string
}

// Orders persists orders.
type Orders interface {
	// PlaceOrder creates the order and decrements stock atomically and
	// returns the order number.
	PlaceOrder(ctx context.Context, tenantID string, fields OrderFields, productID string) (string, error)
}

// Cart records cart lines per conversation.
type Cart interface {
	AddCartItem(ctx context.Context, tenantID, conversationID, productID string, qty int) error
}

// NewDefaultRegistry registers SEND_IMAGE, CREATE_ORDER and ADD_TO_CART.
func NewDefaultRegistry(catalog Catalog, orders Orders, cart Cart) *Registry {
	r := NewRegistry()
	r.Register(KindSendImage, SendImage(catalog))
	r.Register(KindCreateOrder, CreateOrder(catalog, orders))
	r.Register(KindAddToCart, AddToCart(catalog, cart))
	return r
}

// SendImage attaches the product photo matching the argument, or answers
// with a notice when there is none.
func SendImage(catalog Catalog) Handler {
	return func(ctx context.Context, call *Call) (string, error) {
		term := call.Arg
		if term == "" {
			return "", fmt.Errorf("empty search term")
		}
		url, found, err := catalog.FindMedia(ctx, call.TenantID, term)
		if err != nil {
			return "", fmt.Errorf("finding media for %q: %w", term, err)
		}
		if !found || url == "" {
			return "⚠️ لا توجد صورة متاحة لـ " + term, nil
		}
		call.Attach(channels.Attachment{Type: channels.MessageImage, URL: url, Caption: term})
		return "", nil
	}
}

// orderLabels name the CREATE_ORDER fields in the customer's language.
var orderLabels = [7]string{"اسم المنتج", "الكمية", "الاسم", "رقم الهاتف", "العنوان", "المقاس", "اللون"}

// ParseOrderFields reads the seven positional fields. It returns the labels
// of missing or invalid fields; fields are only usable when none are missing.
func ParseOrderFields(args []string) (OrderFields, []string) {
	var vals [7]string
	for i := range vals {
		if i < len(args) {
			vals[i] = strings.TrimSpace(args[i])
		}
	}

	var missing []string
	for i, v := range vals {
		if v == "" {
			missing = append(missing, orderLabels[i])
		}
	}

	qty := 0
	if vals[1] != "" {
		n, err := strconv.Atoi(normalizeDigits(vals[1]))
		if err != nil || n <= 0 {
			missing = append(missing, orderLabels[1])
		} else {
			qty = n
		}
	}

	return OrderFields{
		Product:      vals[0],
		Quantity:     qty,
		CustomerName: vals[2],
		Phone:        normalizeDigits(vals[3]),
		Address:      vals[4],
		Size:         vals[5],
		Color:        vals[6],
	}, missing
}

// CreateOrder places an order when every field is present, and asks for
// the missing ones otherwise. Extra fields mean a value contained the
// separator and the positions cannot be trusted, so no order is placed.
func CreateOrder(catalog Catalog, orders Orders) Handler {
	return func(ctx context.Context, call *Call) (string, error) {
		if len(call.Args) > len(orderLabels) {
			return "⚠️ بيانات الطلب غير واضحة، نحتاج: " + strings.Join(orderLabels[:], " - ") +
				" بدون استخدام \"" + argSeparator + "\" داخل أي حقل.", nil
		}
		fields, missing := ParseOrderFields(call.Args)
		if len(missing) > 0 {
			return "⚠️ لإتمام الطلب نحتاج: " + strings.Join(missing, "، "), nil
		}

		product, err := catalog.FindProduct(ctx, call.TenantID, fields.Product)
		if errors.Is(err, ErrProductNotFound) {
			return "⚠️ المنتج " + fields.Product + " غير متوفر حالياً.", nil
		}
		if err != nil {
			return "", fmt.Errorf("finding product %q: %w", fields.Product, err)
		}

		number, err := orders.PlaceOrder(ctx, call.TenantID, fields, product.ID)
		if err != nil {
			return "", fmt.Errorf("placing order: %w", err)
		}

		return fmt.Sprintf("✅ تم تأكيد طلبك رقم %s: %d × %s. سيتم التواصل معك قريباً.",
			number, fields.Quantity, product.Name), nil
	}
}

// AddToCart records "name [- qty]" in the conversation's cart.
func AddToCart(catalog Catalog, cart Cart) Handler {
	return func(ctx context.Context, call *Call) (string, error) {
		if len(call.Args) == 0 || call.Args[0] == "" {
			return "", fmt.Errorf("missing product name")
		}
		name := call.Args[0]
		qty := 1
		if len(call.Args) > 1 {
			n, err := strconv.Atoi(normalizeDigits(call.Args[1]))
			if err != nil || n <= 0 {
				return "", fmt.Errorf("invalid quantity %q", call.Args[1])
			}
			qty = n
		}

		product, err := catalog.FindProduct(ctx, call.TenantID, name)
		if errors.Is(err, ErrProductNotFound) {
			return "⚠️ المنتج " + name + " غير متوفر حالياً.", nil
		}
		if err != nil {
			return "", fmt.Errorf("finding product %q: %w", name, err)
		}

		if err := cart.AddCartItem(ctx, call.TenantID, call.ConversationID, product.ID, qty); err != nil {
			return "", fmt.Errorf("adding to cart: %w", err)
		}
		return fmt.Sprintf("🛒 تمت إضافة %s (×%d) إلى السلة.", product.Name, qty), nil
	}
}

// normalizeDigits maps Arabic-Indic and Persian digits to ASCII.
func normalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		}
		return r
	}, s)
}
