package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vendra-ai/vendra/internal/events"
	"github.com/vendra-ai/vendra/internal/session"
	"github.com/vendra-ai/vendra/internal/shopify"
)

// Storefront is the slice of the Shopify client the commerce tools
// need. Tests substitute a fake.
type Storefront interface {
	SearchProducts(ctx context.Context, query string, limit int) ([]shopify.Product, error)
	GetProduct(ctx context.Context, productID string) (*shopify.Product, error)
	CheckInventory(ctx context.Context, productID, variantID string) (*shopify.Availability, error)
	CreateCart(ctx context.Context, variantID string, quantity int) (*shopify.Cart, error)
	AddToCart(ctx context.Context, cartID, variantID string, quantity int) (*shopify.Cart, error)
	GetCart(ctx context.Context, cartID string) (*shopify.Cart, error)
}

// EventLog is the durable side of commerce event reporting. The
// history store satisfies it.
type EventLog interface {
	LogEvent(sessionID, kind string, data map[string]any) error
}

// commerceTools wires the storefront-backed tool handlers.
type commerceTools struct {
	sf  Storefront
	bus *events.Bus
	log EventLog
}

// RegisterCommerceTools adds the catalog and cart tools backed by the
// given storefront. bus and log may be nil.
func RegisterCommerceTools(r *Registry, sf Storefront, bus *events.Bus, log EventLog) {
	ct := &commerceTools{sf: sf, bus: bus, log: log}

	r.Register(&Tool{
		Name:        "search_products",
		Description: "Search the store catalog by keyword. Use this when the customer describes what they are looking for. Returns matching products with prices and variants.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search keywords (e.g., 'red running shoes', 'waterproof jacket')",
				},
				"max_price": map[string]any{
					"type":        "number",
					"description": "Optional: only return products at or below this price",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: ct.handleSearchProducts,
	})

	r.Register(&Tool{
		Name:        "get_product",
		Description: "Get full details for one product by its ID, including all variants, images, and description. Use after a search when the customer wants to know more.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"product_id": map[string]any{
					"type":        "string",
					"description": "The product ID from a previous search result",
				},
			},
			"required": []string{"product_id"},
		},
		Handler: ct.handleGetProduct,
	})

	r.Register(&Tool{
		Name:        "check_inventory",
		Description: "Check whether a product or a specific variant is in stock before recommending it or adding it to the cart.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"product_id": map[string]any{
					"type":        "string",
					"description": "The product ID",
				},
				"variant_id": map[string]any{
					"type":        "string",
					"description": "Optional: check one specific variant instead of the whole product",
				},
			},
			"required": []string{"product_id"},
		},
		Handler: ct.handleCheckInventory,
	})

	r.Register(&Tool{
		Name:        "create_cart",
		Description: "Create a shopping cart for this customer. Optionally seed it with a first item. Only needed if no cart exists yet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"variant_id": map[string]any{
					"type":        "string",
					"description": "Optional: variant ID of a first item to add",
				},
				"quantity": map[string]any{
					"type":        "integer",
					"description": "Quantity of the first item (default 1)",
				},
			},
		},
		Handler: ct.handleCreateCart,
	})

	r.Register(&Tool{
		Name:        "add_to_cart",
		Description: "Add a product variant to the customer's cart. Creates the cart automatically if none exists yet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"variant_id": map[string]any{
					"type":        "string",
					"description": "The variant ID to add (from product details)",
				},
				"quantity": map[string]any{
					"type":        "integer",
					"description": "How many to add (default 1)",
				},
			},
			"required": []string{"variant_id"},
		},
		Handler: ct.handleAddToCart,
	})

	r.Register(&Tool{
		Name:        "get_cart",
		Description: "Show the customer's current cart contents, subtotal, and checkout link.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: ct.handleGetCart,
	})
}

// emit reports a commerce event on the live bus and, when the calling
// request attached a session ID to ctx, in the durable event log.
func (ct *commerceTools) emit(ctx context.Context, kind string, data map[string]any) {
	sid := session.IDFromContext(ctx)
	if sid != "" {
		data["session_id"] = sid
	}
	ct.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCommerce,
		Kind:      kind,
		Data:      data,
	})
	if ct.log == nil || sid == "" {
		return
	}
	// Analytics only; a lost event must not fail the tool.
	_ = ct.log.LogEvent(sid, kind, data)
}

// toolJSON renders a result payload for the model. Tool output is JSON
// so the model can pick fields out reliably.
func toolJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

func (ct *commerceTools) handleSearchProducts(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error) {
	query, _ := args["query"].(string)
	limit := 5
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}

	products, err := ct.sf.SearchProducts(ctx, query, limit)
	if err != nil {
		return "", sess, wrapStorefrontErr("search_products", err)
	}
	if maxPrice, ok := args["max_price"].(float64); ok {
		products = filterByPrice(products, maxPrice)
	}

	ct.emit(ctx, events.KindProductSearch, map[string]any{"query": query, "results": len(products)})

	if len(products) == 0 {
		return fmt.Sprintf("No products found for %q. Try different keywords.", query), sess, nil
	}
	out, err := toolJSON(map[string]any{"products": products})
	return out, sess, err
}

func (ct *commerceTools) handleGetProduct(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error) {
	productID, _ := args["product_id"].(string)

	p, err := ct.sf.GetProduct(ctx, productID)
	if err != nil {
		return "", sess, wrapStorefrontErr("get_product", err)
	}
	if p == nil {
		return fmt.Sprintf("Product %s does not exist.", productID), sess, nil
	}
	out, err := toolJSON(p)
	return out, sess, err
}

func (ct *commerceTools) handleCheckInventory(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error) {
	productID, _ := args["product_id"].(string)
	variantID, _ := args["variant_id"].(string)

	av, err := ct.sf.CheckInventory(ctx, productID, variantID)
	if err != nil {
		return "", sess, wrapStorefrontErr("check_inventory", err)
	}
	if av == nil {
		return fmt.Sprintf("Product %s does not exist.", productID), sess, nil
	}
	out, err := toolJSON(av)
	return out, sess, err
}

func (ct *commerceTools) handleCreateCart(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error) {
	if sess.CartID != "" {
		// Idempotent: a session has at most one cart.
		return ct.handleGetCart(ctx, nil, sess)
	}

	variantID, _ := args["variant_id"].(string)
	quantity := 1
	if q, ok := args["quantity"].(float64); ok {
		quantity = int(q)
	}

	cart, err := ct.sf.CreateCart(ctx, variantID, quantity)
	if err != nil {
		return "", sess, wrapStorefrontErr("create_cart", err)
	}

	sess.CartID = cart.ID
	sess.CheckoutURL = cart.CheckoutURL
	sess.ItemsInCart = cart.TotalQuantity

	ct.emit(ctx, events.KindCartCreated, map[string]any{"cart_id": cart.ID})

	out, err := toolJSON(cart)
	return out, sess, err
}

func (ct *commerceTools) handleAddToCart(ctx context.Context, args map[string]any, sess session.Context) (string, session.Context, error) {
	variantID, _ := args["variant_id"].(string)
	quantity := 1
	if q, ok := args["quantity"].(float64); ok {
		quantity = int(q)
	}

	var (
		cart *shopify.Cart
		err  error
	)
	if sess.CartID == "" {
		cart, err = ct.sf.CreateCart(ctx, variantID, quantity)
		if err == nil {
			ct.emit(ctx, events.KindCartCreated, map[string]any{"cart_id": cart.ID})
		}
	} else {
		cart, err = ct.sf.AddToCart(ctx, sess.CartID, variantID, quantity)
	}
	if err != nil {
		return "", sess, wrapStorefrontErr("add_to_cart", err)
	}

	sess.CartID = cart.ID
	sess.CheckoutURL = cart.CheckoutURL
	sess.ItemsInCart = cart.TotalQuantity

	ct.emit(ctx, events.KindCartItemAdded, map[string]any{"cart_id": cart.ID, "variant_id": variantID, "quantity": quantity})

	out, err := toolJSON(cart)
	return out, sess, err
}

func (ct *commerceTools) handleGetCart(ctx context.Context, _ map[string]any, sess session.Context) (string, session.Context, error) {
	if sess.CartID == "" {
		return "The customer has no cart yet. Use add_to_cart or create_cart to start one.", sess, nil
	}

	cart, err := ct.sf.GetCart(ctx, sess.CartID)
	if err != nil {
		return "", sess, wrapStorefrontErr("get_cart", err)
	}
	if cart == nil {
		// Cart expired upstream; clear the stale handle so the next add
		// starts fresh.
		sess.CartID = ""
		sess.CheckoutURL = ""
		sess.ItemsInCart = 0
		return "The previous cart has expired. A new one will be created on the next add_to_cart.", sess, nil
	}

	sess.ItemsInCart = cart.TotalQuantity
	out, err := toolJSON(cart)
	return out, sess, err
}

// filterByPrice keeps products priced at or below max. Prices come back
// from the storefront as decimal strings; unparseable ones are kept so a
// bad price never hides a product.
func filterByPrice(products []shopify.Product, max float64) []shopify.Product {
	out := products[:0]
	for _, p := range products {
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= max {
			out = append(out, p)
		}
	}
	return out
}

// wrapStorefrontErr maps storefront failures onto the unavailable
// sentinel so the loop treats them as recoverable tool failures.
func wrapStorefrontErr(tool string, err error) error {
	return &ToolUnavailableError{ToolName: tool, Reason: err.Error()}
}
