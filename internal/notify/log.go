package notify

import (
	"context"
	"log/slog"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// LogGateway writes notifications to a structured logger.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Send(ctx context.Context, recipients []domain.User, eventType string, payload Payload) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}
	logger.InfoContext(ctx, "notification",
		"event", eventType,
		"sale_id", payload.SaleID,
		"product", payload.Product,
		"item_id", payload.ItemID,
		"item_label", payload.ItemLabel,
		"item_state", payload.ItemState,
		"recipients", ids,
	)
	return nil
}
