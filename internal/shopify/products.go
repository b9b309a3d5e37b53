package shopify

import (
	"context"
	"fmt"
)

// Product is the simplified catalog view handed to the model. Raw
// GraphQL edge/node nesting stays inside this package.
type Product struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	ProductType string    `json:"product_type,omitempty"`
	Vendor      string    `json:"vendor,omitempty"`
	Price       string    `json:"price"`
	Currency    string    `json:"currency"`
	ImageURL    string    `json:"image_url,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Variants    []Variant `json:"variants,omitempty"`
}

// Variant is a purchasable variation of a product.
type Variant struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Available bool              `json:"available"`
	Price     string            `json:"price"`
	Currency  string            `json:"currency"`
	Options   map[string]string `json:"options,omitempty"`
}

// Availability reports whether a product (or one specific variant) can
// be purchased right now.
type Availability struct {
	ProductID string    `json:"product_id"`
	VariantID string    `json:"variant_id,omitempty"`
	Available bool      `json:"available"`
	Variants  []Variant `json:"variants,omitempty"`
}

const productFields = `
	id
	title
	description
	handle
	productType
	vendor
	priceRange {
		minVariantPrice { amount currencyCode }
	}
	images(first: 5) {
		edges { node { url altText } }
	}
	variants(first: 20) {
		edges {
			node {
				id
				title
				availableForSale
				price { amount currencyCode }
				selectedOptions { name value }
			}
		}
	}`

var searchProductsQuery = fmt.Sprintf(`
query SearchProducts($query: String!, $first: Int!) {
	products(query: $query, first: $first, sortKey: RELEVANCE) {
		edges { node {%s
		} }
	}
}`, productFields)

var getProductQuery = fmt.Sprintf(`
query GetProduct($id: ID!) {
	product(id: $id) {%s
	}
}`, productFields)

// Wire types for the product portion of the Storefront schema.

type moneyNode struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type variantNode struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	AvailableForSale bool      `json:"availableForSale"`
	Price            moneyNode `json:"price"`
	SelectedOptions  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"selectedOptions"`
}

type productNode struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Handle      string `json:"handle"`
	ProductType string `json:"productType"`
	Vendor      string `json:"vendor"`
	PriceRange  struct {
		MinVariantPrice moneyNode `json:"minVariantPrice"`
	} `json:"priceRange"`
	Images struct {
		Edges []struct {
			Node struct {
				URL     string `json:"url"`
				AltText string `json:"altText"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"images"`
	Variants struct {
		Edges []struct {
			Node variantNode `json:"node"`
		} `json:"edges"`
	} `json:"variants"`
}

func parseVariant(n variantNode) Variant {
	opts := make(map[string]string, len(n.SelectedOptions))
	for _, o := range n.SelectedOptions {
		opts[o.Name] = o.Value
	}
	return Variant{
		ID:        n.ID,
		Title:     n.Title,
		Available: n.AvailableForSale,
		Price:     n.Price.Amount,
		Currency:  n.Price.CurrencyCode,
		Options:   opts,
	}
}

func parseProduct(n productNode) Product {
	images := make([]string, 0, len(n.Images.Edges))
	for _, e := range n.Images.Edges {
		images = append(images, e.Node.URL)
	}
	variants := make([]Variant, 0, len(n.Variants.Edges))
	for _, e := range n.Variants.Edges {
		variants = append(variants, parseVariant(e.Node))
	}

	p := Product{
		ID:          n.ID,
		Title:       n.Title,
		Description: n.Description,
		Handle:      n.Handle,
		ProductType: n.ProductType,
		Vendor:      n.Vendor,
		Price:       n.PriceRange.MinVariantPrice.Amount,
		Currency:    n.PriceRange.MinVariantPrice.CurrencyCode,
		Images:      images,
		Variants:    variants,
	}
	if len(images) > 0 {
		p.ImageURL = images[0]
	}
	return p
}

// SearchProducts searches the store catalog by keyword.
func (c *Client) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = 5
	}

	var data struct {
		Products struct {
			Edges []struct {
				Node productNode `json:"node"`
			} `json:"edges"`
		} `json:"products"`
	}
	err := c.query(ctx, searchProductsQuery, map[string]any{"query": query, "first": limit}, &data)
	if err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(data.Products.Edges))
	for _, e := range data.Products.Edges {
		products = append(products, parseProduct(e.Node))
	}
	c.logger.Debug("searched products", "query", query, "results", len(products))
	return products, nil
}

// GetProduct fetches full details for a product by its Shopify GID.
// Returns (nil, nil) when the product does not exist.
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var data struct {
		Product *productNode `json:"product"`
	}
	err := c.query(ctx, getProductQuery, map[string]any{"id": productID}, &data)
	if err != nil {
		return nil, err
	}
	if data.Product == nil {
		return nil, nil
	}
	p := parseProduct(*data.Product)
	return &p, nil
}

// CheckInventory reports availability for a product, narrowed to one
// variant when variantID is non-empty.
func (c *Client) CheckInventory(ctx context.Context, productID, variantID string) (*Availability, error) {
	p, err := c.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	av := &Availability{ProductID: productID, VariantID: variantID}
	if variantID == "" {
		av.Variants = p.Variants
		for _, v := range p.Variants {
			if v.Available {
				av.Available = true
				break
			}
		}
		return av, nil
	}

	for _, v := range p.Variants {
		if v.ID == variantID {
			av.Available = v.Available
			av.Variants = []Variant{v}
			return av, nil
		}
	}
	return nil, fmt.Errorf("variant %s not found on product %s", variantID, productID)
}
