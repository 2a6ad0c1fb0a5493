// Package events carries the daemon's observable event stream.
//
// Every pipeline stage reports what happened through a typed Event on
// the Bus; consumers (logging, audit store, operators) subscribe and
// read at their own pace. Components own their emission privately and
// expose nothing but events, so back-pressure stays visible: a slow
// subscriber loses old events rather than stalling the pipeline.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/pkg/types"
)

// Kind enumerates every event the pipeline can emit.
type Kind string

const (
	KindTick                Kind = "tick"
	KindOpportunity         Kind = "opportunity"
	KindOpportunityRejected Kind = "opportunity_rejected"
	KindExecutionStarted    Kind = "execution_started"
	KindStageStarted        Kind = "stage_started"
	KindStageCompleted      Kind = "stage_completed"
	KindStageTimeout        Kind = "stage_timeout"
	KindExecutionWarning    Kind = "execution_warning"
	KindSettlementCompleted Kind = "settlement_completed"
	KindSettlementFailed    Kind = "settlement_failed"
	KindPositionOpened      Kind = "position_opened"
	KindPositionUpdated     Kind = "position_updated"
	KindPositionClosed      Kind = "position_closed"
	KindCircuitOpen         Kind = "circuit_open"
	KindCircuitHalfOpen     Kind = "circuit_half_open"
	KindCircuitClosed       Kind = "circuit_closed"
	KindBalanceUpdated      Kind = "balance_updated"
	KindReserveTimeout      Kind = "reserve_timeout"
	KindLimitBreached       Kind = "limit_breached"
	KindBridgeStale         Kind = "bridge_stale"
)

// Event is the envelope for every payload on the bus.
type Event struct {
	Kind        Kind
	Timestamp   time.Time
	Venue       string // primary venue, empty for cross-venue events
	ExecutionID string // set for executor events
	Payload     any    // one of the payload structs below, or nil
}

// TickPayload accompanies KindTick.
type TickPayload struct {
	Tick types.NormalizedTick
}

// OpportunityPayload accompanies KindOpportunity.
type OpportunityPayload struct {
	Opportunity types.Opportunity
}

// RejectionPayload accompanies KindOpportunityRejected: what died and
// why. Settlement failures carry a FailurePayload instead.
type RejectionPayload struct {
	OpportunityID string
	Reason        string
	Kind          types.ErrorKind
}

// StagePayload accompanies stage lifecycle events.
type StagePayload struct {
	Stage string
}

// SettlementPayload accompanies KindSettlementCompleted.
type SettlementPayload struct {
	OpportunityID string
	Profit        decimal.Decimal
	BoughtBase    decimal.Decimal
	SoldBase      decimal.Decimal
	FeesQuote     decimal.Decimal
}

// PositionPayload accompanies position lifecycle events.
type PositionPayload struct {
	Position types.Position
}

// BalancePayload accompanies KindBalanceUpdated.
type BalancePayload struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// ReservePayload accompanies KindReserveTimeout.
type ReservePayload struct {
	Reservation types.Reservation
}

// LimitPayload accompanies KindLimitBreached.
type LimitPayload struct {
	Limit   string // "position", "exposure", "loss", "drawdown", "slippage", "liquidity"
	Value   decimal.Decimal
	Bound   decimal.Decimal
	Context string
}

// FailurePayload carries the structured remediation surface every
// failure event exposes: stage, category, venues, and a hint.
type FailurePayload struct {
	Stage    string
	Category types.ErrorKind
	Venues   []string
	Hint     string
}
