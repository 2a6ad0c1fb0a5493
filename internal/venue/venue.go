// Package venue defines the capability interface every exchange venue
// adapter satisfies, and the shared helpers adapters build on.
//
// An adapter normalizes one venue's price stream and request/response
// semantics: consumers see uniform Ticks, Orders and typed VenueErrors
// regardless of whether the venue is a REST order-book exchange or an
// on-chain liquidity pool. Adapters never reconnect on their own — a
// stream failure is surfaced as a transport error and the ingestion
// fabric owns the reconnection policy.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"verus-arb/pkg/types"
)

// TickSink receives venue-native ticks pushed by a streaming adapter.
// Implementations must not block; the worker behind the sink applies
// latest-wins semantics when the pipeline lags.
type TickSink interface {
	Push(tick types.Tick)
}

// TickSinkFunc adapts a function to the TickSink interface.
type TickSinkFunc func(types.Tick)

func (f TickSinkFunc) Push(tick types.Tick) { f(tick) }

// Adapter is the uniform capability surface of one venue.
//
// Contract:
//   - Every method returns a typed *types.VenueError on failure.
//   - Every method honors ctx cancellation and reports timeout as
//     types.ErrTimeout; a cancelled PlaceOrder must leave no side
//     effect that LookupOrder(clientRef) cannot later account for.
//   - ClientRef is an idempotency key: placements carrying a ref the
//     venue has already accepted return the existing order instead of
//     placing a duplicate.
type Adapter interface {
	// Name returns the venue identity used across the pipeline.
	Name() string

	// QuoteCcy returns the venue-native quote currency code.
	QuoteCcy() string

	// Capabilities lists what this venue supports.
	Capabilities() []types.Capability

	// Stream pushes venue-native ticks into sink until the stream
	// fails or ctx is done. Only venues with CapStreaming implement a
	// live stream; others return a precondition error immediately.
	Stream(ctx context.Context, sink TickSink) error

	// FetchTicker is the pull fallback for the current price.
	FetchTicker(ctx context.Context) (types.Tick, error)

	// FetchDepth returns up to levels of the order book per side.
	FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error)

	// PlaceOrder submits a limit order. clientRef must be unique per
	// logical order and re-used verbatim across retries.
	PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error)

	// CancelOrder cancels by venue order ID.
	CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error)

	// GetOrder fetches by venue order ID.
	GetOrder(ctx context.Context, orderID string) (types.Order, error)

	// LookupOrder resolves an order by its idempotency key. This is the
	// recovery path for placements whose outcome is unknown.
	LookupOrder(ctx context.Context, clientRef string) (types.Order, error)

	// GetBalances returns currency code to total amount.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// GetFees returns the venue's fee schedule.
	GetFees(ctx context.Context) (types.FeeSchedule, error)
}

// Pinger is implemented by streaming adapters that support an
// application-level heartbeat. The ingestion worker pings on a timer
// and counts a failed ping, or a stretch without ticks, as a missed
// beat; enough missed beats declare a connection failure.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Supports reports whether the adapter advertises the capability.
func Supports(a Adapter, c types.Capability) bool {
	for _, have := range a.Capabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// Errf builds the adapter-side VenueError with venue and op context.
func Errf(venueName, op string, kind types.ErrorKind, err error) *types.VenueError {
	return types.NewVenueError(venueName, op, kind, err)
}
