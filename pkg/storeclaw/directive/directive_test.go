package directive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

type fakeStore struct {
	mu       sync.Mutex
	products map[string]*Product
	media    map[string]string
	mediaErr error
	orders   []OrderFields
	cart     map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: map[string]*Product{
			"حذاء":      {ID: "p1", Name: "حذاء", Price: 10, Stock: 5},
			"كوتشي أبيض": {ID: "p2", Name: "كوتشي أبيض", Price: 12, Stock: 2},
		},
		media: map[string]string{"كوتشي أبيض": "https://cdn.example.com/white.jpg"},
		cart:  map[string]int{},
	}
}

func (s *fakeStore) FindMedia(_ context.Context, _, term string) (string, bool, error) {
	if s.mediaErr != nil {
		return "", false, s.mediaErr
	}
	url, ok := s.media[term]
	return url, ok, nil
}

func (s *fakeStore) FindProduct(_ context.Context, _, name string) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[name]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) PlaceOrder(_ context.Context, _ string, f OrderFields, productID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.ID == productID {
			if p.Stock < f.Quantity {
				return "", ErrInsufficientStock
			}
			p.Stock -= f.Quantity
			s.orders = append(s.orders, f)
			return "ORD-1A2B3C4D", nil
		}
	}
	return "", errors.New("unknown product")
}

func (s *fakeStore) AddCartItem(_ context.Context, _, conv, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart[conv+"/"+productID] += qty
	return nil
}

func newTestInterpreter(store *fakeStore) *Interpreter {
	return NewInterpreter(NewDefaultRegistry(store, store, store), nil)
}

var scope = Scope{TenantID: "acme", ConversationID: "201@s.whatsapp.net", CorrelationID: "m1"}

func TestSendImageNotFound(t *testing.T) {
	in := newTestInterpreter(newFakeStore())
	res := in.Interpret(context.Background(), scope, "السعر 10 جنيه. [SEND_IMAGE: كوتشي أحمر]")

	assert.Equal(t, "السعر 10 جنيه. ⚠️ لا توجد صورة متاحة لـ كوتشي أحمر", res.Text)
	assert.Empty(t, res.Attachments)
	assert.Equal(t, 1, res.Executed)
}

func TestSendImageFound(t *testing.T) {
	in := newTestInterpreter(newFakeStore())
	res := in.Interpret(context.Background(), scope, "ده الموديل [SEND_IMAGE: كوتشي أبيض] متاح بكل المقاسات")

	assert.Equal(t, "ده الموديل متاح بكل المقاسات", res.Text)
	require.Len(t, res.Attachments, 1)
	assert.Equal(t, channels.MessageImage, res.Attachments[0].Type)
	assert.Equal(t, "https://cdn.example.com/white.jpg", res.Attachments[0].URL)
}

func TestCreateOrderComplete(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope,
		"تمام! [CREATE_ORDER: حذاء - 1 - أحمد - 0100000000 - القاهرة - 40 - أسود]")

	require.Len(t, store.orders, 1)
	o := store.orders[0]
	assert.Equal(t, OrderFields{
		Product: "حذاء", Quantity: 1, CustomerName: "أحمد", Phone: "0100000000",
		Address: "القاهرة", Size: "40", Color: "أسود",
	}, o)
	assert.Equal(t, 4, store.products["حذاء"].Stock, "stock decremented by 1")
	assert.Contains(t, res.Text, "ORD-1A2B3C4D")
	assert.True(t, strings.HasPrefix(res.Text, "تمام! ✅"))
}

func TestCreateOrderMissingFields(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope, "[CREATE_ORDER: حذاء - 1 - أحمد -  - القاهرة]")

	assert.Empty(t, store.orders, "no partial order")
	assert.Contains(t, res.Text, "رقم الهاتف")
	assert.Contains(t, res.Text, "المقاس")
	assert.Contains(t, res.Text, "اللون")
	assert.NotContains(t, res.Text, "العنوان")
}

func TestCreateOrderTooManyFields(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope,
		"[CREATE_ORDER: حذاء - 1 - أحمد - 0100000000 - القاهرة - مدينة نصر - 40 - أسود]")

	assert.Empty(t, store.orders, "shifted fields never become an order")
	assert.Equal(t, 5, store.products["حذاء"].Stock)
	assert.Equal(t, 1, res.Executed)
	assert.Contains(t, res.Text, "بيانات الطلب غير واضحة")
	assert.Contains(t, res.Text, "العنوان")
	assert.Empty(t, in.Parse(res.Text))
}

func TestParseOrderFields(t *testing.T) {
	t.Run("arabic digits", func(t *testing.T) {
		f, missing := ParseOrderFields(splitArgs("حذاء - ٢ - أحمد - ٠١٠٠٠ - القاهرة - 40 - أسود"))
		assert.Empty(t, missing)
		assert.Equal(t, 2, f.Quantity)
		assert.Equal(t, "01000", f.Phone)
	})

	t.Run("invalid quantity", func(t *testing.T) {
		_, missing := ParseOrderFields(splitArgs("حذاء - كتير - أحمد - 010 - القاهرة - 40 - أسود"))
		assert.Equal(t, []string{"الكمية"}, missing)
	})

	t.Run("empty", func(t *testing.T) {
		_, missing := ParseOrderFields(nil)
		assert.Len(t, missing, 7)
	})
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope, "[CREATE_ORDER: كوتشي أبيض - 5 - أحمد - 010 - القاهرة - 42 - أبيض]")
	assert.Equal(t, Apology, res.Text)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, store.products["كوتشي أبيض"].Stock)
}

func TestAddToCart(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope, "[ADD_TO_CART: حذاء - 2]\n[ADD_TO_CART: حذاء]")
	assert.Equal(t, 3, store.cart["201@s.whatsapp.net/p1"])
	assert.Equal(t, 2, strings.Count(res.Text, "🛒"))

	res = in.Interpret(context.Background(), scope, "[ADD_TO_CART: شنطة]")
	assert.Contains(t, res.Text, "غير متوفر")
}

func TestIsolation(t *testing.T) {
	store := newFakeStore()
	store.mediaErr = errors.New("media service down")
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope,
		"[SEND_IMAGE: حذاء]\n[ADD_TO_CART: حذاء]")

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Executed)
	assert.Contains(t, res.Text, Apology)
	assert.Contains(t, res.Text, "🛒 تمت إضافة حذاء")
	assert.NotEmpty(t, res.Text)

	t.Run("panicking handler", func(t *testing.T) {
		reg := NewDefaultRegistry(store, store, store)
		reg.Register("EXPLODE", func(context.Context, *Call) (string, error) { panic("boom") })
		in := NewInterpreter(reg, nil)

		res := in.Interpret(context.Background(), scope, "a [EXPLODE: x] b [ADD_TO_CART: حذاء]")
		assert.Equal(t, 1, res.Failed)
		assert.True(t, strings.HasPrefix(res.Text, "a "+Apology+" b 🛒"))
	})
}

func TestUnknownKindUntouched(t *testing.T) {
	in := newTestInterpreter(newFakeStore())
	res := in.Interpret(context.Background(), scope, "see [NOTE: internal] here")
	assert.Equal(t, "see [NOTE: internal] here", res.Text)
	assert.Zero(t, res.Executed)
}

func TestIdempotentParsing(t *testing.T) {
	store := newFakeStore()
	reg := NewDefaultRegistry(store, store, store)
	// A handler whose output looks like a directive.
	reg.Register("ECHO", func(_ context.Context, c *Call) (string, error) {
		return "[SEND_IMAGE: " + c.Arg + "]", nil
	})
	// A handler whose output only forms a token with the text after it.
	reg.Register("OPEN", func(_ context.Context, c *Call) (string, error) {
		return "[ADD_TO_CART: " + c.Arg, nil
	})
	in := NewInterpreter(reg, nil)

	inputs := []string{
		"السعر 10 جنيه. [SEND_IMAGE: كوتشي أحمر]",
		"[CREATE_ORDER: حذاء - 1 - أحمد - 0100000000 - القاهرة - 40 - أسود]",
		"[CREATE_ORDER: حذاء]",
		"[ADD_TO_CART: حذاء] [SEND_IMAGE: كوتشي أبيض]",
		"[ECHO: x]",
		"[OPEN: حذاء] اختيار رائع]",
		"[SEND_IMAGE: [ADD_TO_CART: حذاء] اختيار رائع]",
		"[SEND_IMAGE: [SEND_IMAGE: [ADD_TO_CART: حذاء]]]",
	}
	for _, text := range inputs {
		first := in.Interpret(context.Background(), scope, text)
		assert.Empty(t, in.Parse(first.Text), "resolved %q", first.Text)
	}
}

func TestNestedDirectiveRunsOnce(t *testing.T) {
	store := newFakeStore()
	in := newTestInterpreter(store)

	res := in.Interpret(context.Background(), scope, "[SEND_IMAGE: [ADD_TO_CART: حذاء] اختيار رائع]")
	assert.Equal(t, 1, res.Executed)
	assert.Empty(t, res.Attachments)
	assert.Equal(t, 1, store.cart[scope.ConversationID+"/p1"])
	assert.True(t, strings.HasPrefix(res.Text, "(SEND_IMAGE:"), res.Text)
	assert.Empty(t, in.Parse(res.Text))

	again := in.Interpret(context.Background(), scope, res.Text)
	assert.Zero(t, again.Executed)
	assert.Equal(t, res.Text, again.Text)
	assert.Equal(t, 1, store.cart[scope.ConversationID+"/p1"], "the cart is not touched twice")
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a\n\nb", Clean("a\n\n\n\n\nb"))
	assert.Equal(t, "a b", Clean("  a    b  "))
	assert.Equal(t, "a\nb", Clean("a   \nb"))
}

func TestRegistryKinds(t *testing.T) {
	reg := NewDefaultRegistry(newFakeStore(), newFakeStore(), newFakeStore())
	assert.Equal(t, []Kind{KindAddToCart, KindCreateOrder, KindSendImage}, reg.Kinds())
}
