// Package checkout turns the cart into upstream orders, one call per line.
package checkout

import (
	"context"
	"errors"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/storefront-core/internal/cart"
	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
)

var (
	ErrEmptyCart   = errors.New("cart is empty")
	ErrInvalidCart = errors.New("cart has invalid lines")
)

// Orders places a single order.
type Orders interface {
	CreateOrder(ctx context.Context, req model.OrderRequest) (model.Order, error)
}

// LineResult is the outcome for one cart line.
type LineResult struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Success   bool   `json:"success"`
	OrderID   string `json:"order_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates every line of one checkout, in cart order.
type Result struct {
	Lines     []LineResult `json:"lines"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// Service runs checkouts against a cart.
type Service struct {
	cart   *cart.Store
	orders Orders
}

func New(c *cart.Store, orders Orders) *Service {
	return &Service{cart: c, orders: orders}
}

// Checkout orders every line of the cart for forUserID. A failed line never aborts its
// siblings and succeeded lines are not rolled back; they are removed from the cart, which is
// cleared when every line succeeded.
func (s *Service) Checkout(ctx context.Context, forUserID string) (Result, error) {
	lines := s.cart.Lines()
	if len(lines) == 0 {
		return Result{}, ErrEmptyCart
	}
	if !s.cart.IsValid() {
		return Result{}, ErrInvalidCart
	}

	ctx, span := obs.Tracer().Start(ctx, "checkout")
	defer span.End()

	res := Result{Lines: make([]LineResult, 0, len(lines))}
	var ordered []string
	for _, l := range lines {
		lr := LineResult{ProductID: l.ProductID, Quantity: l.Quantity}
		o, err := s.orders.CreateOrder(ctx, model.OrderRequest{
			ProductID: l.ProductID,
			ForUserID: forUserID,
			Quantity:  l.Quantity,
		})
		if err != nil {
			lr.Error = err.Error()
			res.Failed++
			obs.Logger.Warn("checkout_line_failed", "product_id", l.ProductID, "error", err)
		} else {
			lr.Success = true
			lr.OrderID = o.ID
			res.Succeeded++
			ordered = append(ordered, l.ProductID)
		}
		res.Lines = append(res.Lines, lr)
	}

	if res.Failed == 0 {
		s.cart.Clear()
	} else if len(ordered) > 0 {
		s.cart.RemoveMany(ordered...)
	}
	span.SetAttributes(
		attribute.Int("checkout.lines", len(lines)),
		attribute.Int("checkout.failed", res.Failed),
	)
	obs.Logger.Info("checkout_complete", "lines", len(lines), "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// FailedProductIDs lists the products whose orders were not placed.
func (r Result) FailedProductIDs() []string {
	var ids []string
	for _, l := range r.Lines {
		if !l.Success {
			ids = append(ids, l.ProductID)
		}
	}
	return slices.Clip(ids)
}
