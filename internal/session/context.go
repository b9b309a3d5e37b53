// Package session defines the small mutable state threaded through the
// agent loop: the shopper's cart handle and related bookkeeping. The
// context travels as an explicit value — tools receive a snapshot and
// report changes as a delta, which the loop applies in a deterministic
// order under the session's lock.
package session

import (
	"context"
	"encoding/json"
)

type idKey struct{}

// WithID attaches the session ID to a context so collaborators invoked
// under it (tool handlers, mainly) can tag their output with the
// session they ran for.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// IDFromContext returns the session ID attached by WithID, or "" when
// none is set.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(idKey{}).(string)
	return id
}

// Context is the per-session mutable state persisted alongside history.
type Context struct {
	CartID      string `json:"cart_id,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	ItemsInCart int    `json:"items_in_cart,omitempty"`
}

// Delta describes a change to a Context. Nil fields mean "unchanged",
// so independent tool results can be merged without clobbering each
// other's untouched fields.
type Delta struct {
	CartID      *string
	CheckoutURL *string
	ItemsInCart *int
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.CartID == nil && d.CheckoutURL == nil && d.ItemsInCart == nil
}

// Apply returns a copy of c with the delta's set fields overwritten.
func (d Delta) Apply(c Context) Context {
	if d.CartID != nil {
		c.CartID = *d.CartID
	}
	if d.CheckoutURL != nil {
		c.CheckoutURL = *d.CheckoutURL
	}
	if d.ItemsInCart != nil {
		c.ItemsInCart = *d.ItemsInCart
	}
	return c
}

// Diff computes the delta that turns base into next.
func Diff(base, next Context) Delta {
	var d Delta
	if next.CartID != base.CartID {
		v := next.CartID
		d.CartID = &v
	}
	if next.CheckoutURL != base.CheckoutURL {
		v := next.CheckoutURL
		d.CheckoutURL = &v
	}
	if next.ItemsInCart != base.ItemsInCart {
		v := next.ItemsInCart
		d.ItemsInCart = &v
	}
	return d
}

// Marshal encodes the context for storage on the session row.
func (c Context) Marshal() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Unmarshal decodes a stored context blob. An empty or malformed blob
// yields the zero context rather than an error: a session without a
// cart is a normal state, not a failure.
func Unmarshal(blob string) Context {
	var c Context
	if blob == "" {
		return c
	}
	_ = json.Unmarshal([]byte(blob), &c)
	return c
}
