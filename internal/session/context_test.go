package session

import (
	"context"
	"testing"
)

func TestIDThroughContext(t *testing.T) {
	ctx := WithID(context.Background(), "s-42")
	if got := IDFromContext(ctx); got != "s-42" {
		t.Errorf("got %q, want s-42", got)
	}
	if got := IDFromContext(context.Background()); got != "" {
		t.Errorf("bare context should carry no ID, got %q", got)
	}
}

func TestDeltaApply(t *testing.T) {
	base := Context{CartID: "cart1", ItemsInCart: 1}

	cartID := "cart2"
	items := 3
	d := Delta{CartID: &cartID, ItemsInCart: &items}

	got := d.Apply(base)
	if got.CartID != "cart2" || got.ItemsInCart != 3 {
		t.Errorf("got %+v", got)
	}
	// Unset fields survive.
	if got.CheckoutURL != "" {
		t.Errorf("checkout URL should be unchanged, got %q", got.CheckoutURL)
	}
	// Original untouched.
	if base.CartID != "cart1" {
		t.Errorf("base mutated: %+v", base)
	}
}

func TestDeltaIsZero(t *testing.T) {
	if !(Delta{}).IsZero() {
		t.Error("empty delta should be zero")
	}
	s := "x"
	if (Delta{CartID: &s}).IsZero() {
		t.Error("delta with a set field should not be zero")
	}
}

func TestDiff(t *testing.T) {
	base := Context{CartID: "cart1", CheckoutURL: "https://shop/checkout", ItemsInCart: 2}
	next := base
	next.ItemsInCart = 5

	d := Diff(base, next)
	if d.CartID != nil || d.CheckoutURL != nil {
		t.Errorf("unchanged fields should be nil: %+v", d)
	}
	if d.ItemsInCart == nil || *d.ItemsInCart != 5 {
		t.Errorf("items delta = %v", d.ItemsInCart)
	}

	if !Diff(base, base).IsZero() {
		t.Error("diff of identical contexts should be zero")
	}
}

func TestDiffThenApplyConverges(t *testing.T) {
	base := Context{}
	next := Context{CartID: "c", CheckoutURL: "u", ItemsInCart: 7}

	got := Diff(base, next).Apply(base)
	if got != next {
		t.Errorf("got %+v, want %+v", got, next)
	}
}

func TestDeltasMergeWithoutClobbering(t *testing.T) {
	// Two concurrent tools: one created a cart, another only counted
	// items. Applying both deltas in order must keep both effects.
	base := Context{}

	afterCreate := Context{CartID: "cart1", CheckoutURL: "https://shop/checkout", ItemsInCart: 1}
	d1 := Diff(base, afterCreate)

	// Second tool saw the same base snapshot and changed nothing.
	d2 := Diff(base, base)

	got := d2.Apply(d1.Apply(base))
	if got != afterCreate {
		t.Errorf("no-op delta clobbered state: %+v", got)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := Context{CartID: "gid://shopify/Cart/abc", CheckoutURL: "https://shop/checkout/abc", ItemsInCart: 4}
	got := Unmarshal(c.Marshal())
	if got != c {
		t.Errorf("round trip: got %+v, want %+v", got, c)
	}
}

func TestUnmarshalDegenerate(t *testing.T) {
	if got := Unmarshal(""); got != (Context{}) {
		t.Errorf("empty blob: got %+v", got)
	}
	if got := Unmarshal("{broken"); got != (Context{}) {
		t.Errorf("malformed blob: got %+v", got)
	}
}
