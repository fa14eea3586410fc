package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/tvbill/internal/errs"
	"github.com/goodtune/tvbill/internal/metrics"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// OrderLine is one requested product.
type OrderLine struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// OrderRequest places an F&B order against a session.
type OrderRequest struct {
	SessionID int64
	Items     []OrderLine
	Actor     string
}

// OrderPayload is published when an order is placed.
type OrderPayload struct {
	OrderID     int64               `json:"order_id"`
	OrderNumber string              `json:"order_number"`
	SessionID   int64               `json:"session_id"`
	DeviceKey   string              `json:"device_key"`
	Items       []storage.OrderItem `json:"items"`
	Total       decimal.Decimal     `json:"total"`
	OrderedBy   string              `json:"ordered_by"`
}

// CreateOrder reserves stock and records an order on an open session.
func (s *Service) CreateOrder(ctx context.Context, req OrderRequest) (*storage.SessionOrder, error) {
	if len(req.Items) == 0 {
		return nil, errs.Validation("order needs at least one item")
	}
	for _, line := range req.Items {
		if line.ProductID <= 0 {
			return nil, errs.Validation("product_id is required")
		}
		if line.Quantity <= 0 {
			return nil, errs.Validation("quantity for product %d must be greater than zero", line.ProductID)
		}
	}

	current, err := s.load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Open() {
		return nil, errs.InvalidState("session %d is %s, orders need an open session", current.ID, current.Status)
	}

	var order *storage.SessionOrder
	for attempt := 0; attempt < 2; attempt++ {
		order = s.newOrder(current.ID, req)
		err = s.store.Orders().Create(ctx, order)
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrInsufficientStock):
		return nil, errs.Conflict("%v", err)
	case errors.Is(err, storage.ErrNotFound):
		return nil, errs.NotFound("%v", err)
	default:
		return nil, errs.Storage("create order", err)
	}

	metrics.OrdersCreated.Inc()
	s.logger.Info().
		Int64("session_id", current.ID).
		Str("order", order.OrderNumber).
		Str("total", order.Total.String()).
		Msg("Order created")

	s.publish(ctx, realtime.OrderCreated, current.DeviceKey, OrderPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		SessionID:   current.ID,
		DeviceKey:   current.DeviceKey,
		Items:       order.Items,
		Total:       order.Total,
		OrderedBy:   order.OrderedBy,
	})
	return order, nil
}

// Orders lists the orders of a session.
func (s *Service) Orders(ctx context.Context, sessionID int64) ([]storage.SessionOrder, error) {
	if _, err := s.load(ctx, sessionID); err != nil {
		return nil, err
	}
	orders, err := s.store.Orders().ListForSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Storage("list orders", err)
	}
	return orders, nil
}

func (s *Service) newOrder(sessionID int64, req OrderRequest) *storage.SessionOrder {
	items := make([]storage.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		items = append(items, storage.OrderItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	now := s.clock.Now()
	return &storage.SessionOrder{
		OrderNumber: OrderNumber(now.UnixMilli(), uuid.New()),
		SessionID:   sessionID,
		Items:       items,
		OrderedBy:   req.Actor,
		CreatedAt:   now,
	}
}

// OrderNumber formats TV-<millis>-<5 chars> from a random id.
func OrderNumber(millis int64, id uuid.UUID) string {
	suffix := make([]byte, 5)
	for i := range suffix {
		suffix[i] = orderAlphabet[int(id[i])%len(orderAlphabet)]
	}
	return fmt.Sprintf("TV-%d-%s", millis, suffix)
}
