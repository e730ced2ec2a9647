package notify

import (
	"context"
	"log/slog"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/flow"
)

// Dispatcher sends committed signals through a Gateway. Delivery is best
// effort: failures are logged and never returned.
type Dispatcher struct {
	Gateway   Gateway
	Directory Directory
	Logger    *slog.Logger
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch delivers each signal in order.
func (d Dispatcher) Dispatch(ctx context.Context, signals []flow.Signal) {
	if d.Gateway == nil {
		return
	}
	for _, sig := range signals {
		recipients, err := d.recipients(ctx, sig)
		if err != nil {
			d.logger().WarnContext(ctx, "notify: resolve recipients failed",
				"signal", sig.Type, "sale_id", sig.Sale.ID, "error", err)
			continue
		}
		if len(recipients) == 0 {
			d.logger().DebugContext(ctx, "notify: no recipients", "signal", sig.Type, "sale_id", sig.Sale.ID)
			continue
		}
		if err := d.Gateway.Send(ctx, recipients, string(sig.Type), PayloadFor(sig)); err != nil {
			d.logger().WarnContext(ctx, "notify: delivery failed",
				"signal", sig.Type, "sale_id", sig.Sale.ID, "recipients", len(recipients), "error", err)
		}
	}
}

func (d Dispatcher) recipients(ctx context.Context, sig flow.Signal) ([]domain.User, error) {
	var out []domain.User
	seen := map[string]bool{}
	add := func(u domain.User) {
		if u.ID == "" || seen[u.ID] {
			return
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	for _, a := range sig.Audiences {
		switch a {
		case flow.AudienceAdmins:
			if d.Directory == nil {
				continue
			}
			admins, err := d.Directory.Admins(ctx)
			if err != nil {
				return nil, err
			}
			for _, u := range admins {
				add(u)
			}
		case flow.AudienceAgent, flow.AudienceClient:
			id := sig.Sale.AgentID
			kind := domain.RoleAgent
			if a == flow.AudienceClient {
				id = sig.Sale.ClientID
				kind = domain.RoleClient
			}
			if id == "" {
				continue
			}
			u := domain.User{ID: id, Kind: kind}
			if d.Directory != nil {
				found, err := d.Directory.User(ctx, id)
				if err != nil {
					return nil, err
				}
				u = found
				if u.Kind == "" {
					u.Kind = kind
				}
			}
			add(u)
		}
	}
	return out, nil
}

// PayloadFor builds the gateway payload of a signal.
func PayloadFor(sig flow.Signal) Payload {
	return Payload{
		SaleID:    sig.Sale.ID,
		Product:   sig.Sale.Product,
		ItemID:    sig.ItemID,
		ItemLabel: sig.ItemLabel,
		ItemState: string(sig.ItemState),
		Extra:     sig.Extra,
	}
}
