package payment

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/storefront-checkout/internal/obs"
)

// Registry holds the rails enabled by configuration.
type Registry struct {
	rails map[Kind]Rail
	order []Kind
}

// NewRegistry keeps the rails whose kind is enabled, in enabled order.
func NewRegistry(enabled []Kind, rails ...Rail) *Registry {
	byKind := make(map[Kind]Rail, len(rails))
	for _, r := range rails {
		if r != nil {
			byKind[r.Kind()] = r
		}
	}
	reg := &Registry{rails: map[Kind]Rail{}}
	for _, k := range enabled {
		if r, ok := byKind[k]; ok {
			if _, dup := reg.rails[k]; !dup {
				reg.rails[k] = r
				reg.order = append(reg.order, k)
			}
		}
	}
	return reg
}

// Get returns the rail for kind, or ErrRailUnavailable when it is not enabled.
func (r *Registry) Get(kind Kind) (Rail, error) {
	rail, ok := r.rails[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not enabled", ErrRailUnavailable, kind)
	}
	return rail, nil
}

// RailInfo is what the storefront renders per rail.
type RailInfo struct {
	Kind      Kind   `json:"kind"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Available lists the enabled rails with their current availability. A rail
// that cannot be offered is listed as disabled, never omitted.
func (r *Registry) Available(ctx context.Context) []RailInfo {
	out := make([]RailInfo, 0, len(r.order))
	for _, k := range r.order {
		info := RailInfo{Kind: k, Available: true}
		if err := r.rails[k].Available(ctx); err != nil {
			info.Available = false
			info.Reason = MsgUnavailable
		}
		out = append(out, info)
	}
	return out
}

// Kinds returns the enabled kinds.
func (r *Registry) Kinds() []Kind {
	return append([]Kind(nil), r.order...)
}

// Instrument wraps rail with spans and outcome metrics.
func Instrument(rail Rail) Rail {
	return &instrumented{rail: rail}
}

type instrumented struct {
	rail Rail
}

const tracerScope = "storefront-checkout/payment"

func (i *instrumented) Kind() Kind   { return i.rail.Kind() }
func (i *instrumented) Unwrap() Rail { return i.rail }

func (i *instrumented) Available(ctx context.Context) error { return i.rail.Available(ctx) }

func (i *instrumented) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	ctx, span := obs.StartSpan(ctx, tracerScope, "payment.initiate",
		attribute.String("rail", string(i.rail.Kind())),
		attribute.String("checkout.id", req.CheckoutID),
		attribute.Int64("amount.minor", req.Totals.GrandTotal))
	s, err := i.rail.Initiate(ctx, req)
	result := "created"
	if err != nil {
		result = "error"
	}
	obs.Domain().RailInitiations.WithLabelValues(string(i.rail.Kind()), result).Inc()
	obs.EndSpan(span, err)
	return s, err
}

func (i *instrumented) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	ctx, span := obs.StartSpan(ctx, tracerScope, "payment.confirm",
		attribute.String("rail", string(s.Rail)),
		attribute.String("provider.session", s.ID))
	out := i.rail.Confirm(ctx, s, in)
	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	obs.EndSpan(span, nil)
	return out
}

func (i *instrumented) Cancel(ctx context.Context, s Session) error {
	ctx, span := obs.StartSpan(ctx, tracerScope, "payment.cancel", attribute.String("rail", string(s.Rail)))
	err := i.rail.Cancel(ctx, s)
	obs.EndSpan(span, err)
	return err
}
