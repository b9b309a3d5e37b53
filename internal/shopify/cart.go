package shopify

import (
	"context"
	"fmt"
)

// Cart is the simplified cart view.
type Cart struct {
	ID            string     `json:"id"`
	CheckoutURL   string     `json:"checkout_url"`
	TotalQuantity int        `json:"total_quantity"`
	Subtotal      string     `json:"subtotal,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	Lines         []CartLine `json:"lines,omitempty"`
}

// CartLine is one line item in a cart.
type CartLine struct {
	ID           string `json:"id"`
	VariantID    string `json:"variant_id"`
	VariantTitle string `json:"variant_title,omitempty"`
	ProductTitle string `json:"product_title"`
	Quantity     int    `json:"quantity"`
	Price        string `json:"price"`
	Currency     string `json:"currency"`
}

const cartFields = `
	id
	checkoutUrl
	totalQuantity
	cost {
		subtotalAmount { amount currencyCode }
	}
	lines(first: 50) {
		edges {
			node {
				id
				quantity
				merchandise {
					... on ProductVariant {
						id
						title
						price { amount currencyCode }
						product { title }
					}
				}
			}
		}
	}`

var cartCreateMutation = fmt.Sprintf(`
mutation CartCreate($input: CartInput!) {
	cartCreate(input: $input) {
		cart {%s
		}
		userErrors { field message }
	}
}`, cartFields)

var cartLinesAddMutation = fmt.Sprintf(`
mutation CartLinesAdd($cartId: ID!, $lines: [CartLineInput!]!) {
	cartLinesAdd(cartId: $cartId, lines: $lines) {
		cart {%s
		}
		userErrors { field message }
	}
}`, cartFields)

var getCartQuery = fmt.Sprintf(`
query GetCart($id: ID!) {
	cart(id: $id) {%s
	}
}`, cartFields)

type cartNode struct {
	ID            string `json:"id"`
	CheckoutURL   string `json:"checkoutUrl"`
	TotalQuantity int    `json:"totalQuantity"`
	Cost          struct {
		SubtotalAmount moneyNode `json:"subtotalAmount"`
	} `json:"cost"`
	Lines struct {
		Edges []struct {
			Node struct {
				ID          string `json:"id"`
				Quantity    int    `json:"quantity"`
				Merchandise struct {
					ID      string    `json:"id"`
					Title   string    `json:"title"`
					Price   moneyNode `json:"price"`
					Product struct {
						Title string `json:"title"`
					} `json:"product"`
				} `json:"merchandise"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"lines"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func parseCart(n cartNode) *Cart {
	lines := make([]CartLine, 0, len(n.Lines.Edges))
	for _, e := range n.Lines.Edges {
		m := e.Node.Merchandise
		lines = append(lines, CartLine{
			ID:           e.Node.ID,
			VariantID:    m.ID,
			VariantTitle: m.Title,
			ProductTitle: m.Product.Title,
			Quantity:     e.Node.Quantity,
			Price:        m.Price.Amount,
			Currency:     m.Price.CurrencyCode,
		})
	}
	return &Cart{
		ID:            n.ID,
		CheckoutURL:   n.CheckoutURL,
		TotalQuantity: n.TotalQuantity,
		Subtotal:      n.Cost.SubtotalAmount.Amount,
		Currency:      n.Cost.SubtotalAmount.CurrencyCode,
		Lines:         lines,
	}
}

func userErrorsToErr(op string, errs []userError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return fmt.Errorf("%s rejected: %v", op, msgs)
}

// CreateCart creates an empty cart, optionally seeded with an initial
// line when variantID is non-empty.
func (c *Client) CreateCart(ctx context.Context, variantID string, quantity int) (*Cart, error) {
	input := map[string]any{}
	if variantID != "" {
		if quantity <= 0 {
			quantity = 1
		}
		input["lines"] = []map[string]any{
			{"merchandiseId": variantID, "quantity": quantity},
		}
	}

	var data struct {
		CartCreate struct {
			Cart       *cartNode   `json:"cart"`
			UserErrors []userError `json:"userErrors"`
		} `json:"cartCreate"`
	}
	err := c.query(ctx, cartCreateMutation, map[string]any{"input": input}, &data)
	if err != nil {
		return nil, err
	}
	if err := userErrorsToErr("cartCreate", data.CartCreate.UserErrors); err != nil {
		return nil, err
	}
	if data.CartCreate.Cart == nil {
		return nil, fmt.Errorf("cartCreate returned no cart")
	}

	cart := parseCart(*data.CartCreate.Cart)
	c.logger.Info("created cart", "cart_id", cart.ID)
	return cart, nil
}

// AddToCart adds a variant to an existing cart.
func (c *Client) AddToCart(ctx context.Context, cartID, variantID string, quantity int) (*Cart, error) {
	if quantity <= 0 {
		quantity = 1
	}

	var data struct {
		CartLinesAdd struct {
			Cart       *cartNode   `json:"cart"`
			UserErrors []userError `json:"userErrors"`
		} `json:"cartLinesAdd"`
	}
	err := c.query(ctx, cartLinesAddMutation, map[string]any{
		"cartId": cartID,
		"lines": []map[string]any{
			{"merchandiseId": variantID, "quantity": quantity},
		},
	}, &data)
	if err != nil {
		return nil, err
	}
	if err := userErrorsToErr("cartLinesAdd", data.CartLinesAdd.UserErrors); err != nil {
		return nil, err
	}
	if data.CartLinesAdd.Cart == nil {
		return nil, fmt.Errorf("cartLinesAdd returned no cart")
	}

	cart := parseCart(*data.CartLinesAdd.Cart)
	c.logger.Info("added to cart", "cart_id", cart.ID, "variant_id", variantID, "quantity", quantity)
	return cart, nil
}

// GetCart fetches a cart's current contents. Returns (nil, nil) when
// the cart does not exist or has expired.
func (c *Client) GetCart(ctx context.Context, cartID string) (*Cart, error) {
	var data struct {
		Cart *cartNode `json:"cart"`
	}
	err := c.query(ctx, getCartQuery, map[string]any{"id": cartID}, &data)
	if err != nil {
		return nil, err
	}
	if data.Cart == nil {
		return nil, nil
	}
	return parseCart(*data.Cart), nil
}
