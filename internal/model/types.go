// Package model defines domain types shared by the cart, checkout and realtime layers.
package model

import "time"

// MaxQuantity is the upper bound for a single cart line.
const MaxQuantity = 99

// Product is the catalog view of an item the UI asks to add to the cart.
// Price and PointsCost are mutually exclusive upstream; PointsCost wins when both are set.
type Product struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Price      *float64 `json:"price,omitempty"`
	PointsCost *float64 `json:"points_cost,omitempty"`
	ImageURL   string   `json:"image_url,omitempty"`
}

// CartLine is one distinct product entry in the cart, keyed by ProductID.
type CartLine struct {
	ProductID  string    `json:"product_id"`
	Name       string    `json:"name"`
	Price      *float64  `json:"price,omitempty"`
	PointsCost *float64  `json:"points_cost,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	Quantity   int       `json:"quantity"`
	AddedAt    time.Time `json:"added_at"`
}

// UnitPrice returns the effective per-unit price and whether one is present.
func (l CartLine) UnitPrice() (float64, bool) {
	if l.PointsCost != nil {
		return *l.PointsCost, true
	}
	if l.Price != nil {
		return *l.Price, true
	}
	return 0, false
}

// Subtotal is UnitPrice times Quantity, zero when no price is present.
func (l CartLine) Subtotal() float64 {
	p, _ := l.UnitPrice()
	return p * float64(l.Quantity)
}

// OrderRequest is the payload of one order-creation call.
type OrderRequest struct {
	ProductID string `json:"productId"`
	ForUserID string `json:"forUserId,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Order is the upstream representation of a created order.
type Order struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Status    string    `json:"status"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the signed-in account as returned by the auth API.
type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Email    string  `json:"email,omitempty"`
	Role     string  `json:"role,omitempty"`
	Balance  float64 `json:"balance"`
}

// SignUpRequest carries new-account fields.
type SignUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
}
