// Package notify turns workflow signals into notifications.
package notify

import (
	"context"
	"errors"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// Payload is what every notification carries.
type Payload struct {
	SaleID    string         `json:"sale_id"`
	Product   string         `json:"product"`
	ItemID    string         `json:"item_id,omitempty"`
	ItemLabel string         `json:"item_label,omitempty"`
	ItemState string         `json:"item_state,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Gateway delivers one notification to a set of recipients. Delivery channel
// is the gateway's concern.
type Gateway interface {
	Send(ctx context.Context, recipients []domain.User, eventType string, payload Payload) error
}

// Multi fans a notification out to several gateways and joins their errors.
type Multi []Gateway

func (m Multi) Send(ctx context.Context, recipients []domain.User, eventType string, payload Payload) error {
	var errs []error
	for _, g := range m {
		if g == nil {
			continue
		}
		if err := g.Send(ctx, recipients, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
