package model

import (
	"fmt"
	"time"
)

// Kind enumerates the server-pushed event kinds.
type Kind string

const (
	KindNotification   Kind = "notification"
	KindOrderUpdate    Kind = "orderUpdate"
	KindRechargeUpdate Kind = "rechargeUpdate"
	KindBalanceUpdate  Kind = "balanceUpdate"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{KindNotification, KindOrderUpdate, KindRechargeUpdate, KindBalanceUpdate}

// ParseKind validates s against the closed set of kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Topic is the process-wide bus name the event is republished under.
func (k Kind) Topic() string { return "realtime:" + string(k) }

// HubTarget is the hub method name the server invokes for this kind.
func (k Kind) HubTarget() string {
	switch k {
	case KindNotification:
		return "ReceiveNotification"
	case KindOrderUpdate:
		return "OrderStatusUpdated"
	case KindRechargeUpdate:
		return "RechargeStatusUpdated"
	case KindBalanceUpdate:
		return "BalanceUpdated"
	}
	return ""
}

// Notification is a generic user-facing message.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrderUpdate reports a status change of an order.
type OrderUpdate struct {
	OrderID   string    `json:"orderId"`
	ProductID string    `json:"productId,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RechargeUpdate reports a status change of a recharge request.
type RechargeUpdate struct {
	RequestID string  `json:"requestId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
	Note      string  `json:"note,omitempty"`
}

// BalanceUpdate carries the new account balance.
type BalanceUpdate struct {
	UserID  string  `json:"userId"`
	Balance float64 `json:"balance"`
}

// Event is one delivered server message. Exactly one payload pointer matching Kind is set.
type Event struct {
	Kind         Kind            `json:"kind"`
	Sequence     uint64          `json:"sequence"`
	ReceivedAt   time.Time       `json:"received_at"`
	Notification *Notification   `json:"notification,omitempty"`
	Order        *OrderUpdate    `json:"order,omitempty"`
	Recharge     *RechargeUpdate `json:"recharge,omitempty"`
	Balance      *BalanceUpdate  `json:"balance,omitempty"`
}

// Payload returns the populated payload as an untyped value.
func (e Event) Payload() any {
	switch e.Kind {
	case KindNotification:
		return e.Notification
	case KindOrderUpdate:
		return e.Order
	case KindRechargeUpdate:
		return e.Recharge
	case KindBalanceUpdate:
		return e.Balance
	}
	return nil
}
