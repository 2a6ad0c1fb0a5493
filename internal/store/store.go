// Package store persists the daemon's observable history to Postgres.
//
// The store is a collaborator, not a dependency: it subscribes to the
// event bus and appends prices, opportunities, execution outcomes and
// venue-status transitions keyed by timestamp. The pipeline never
// waits for it; a failed insert costs a row of history, nothing else.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"verus-arb/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS prices (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	venue      TEXT        NOT NULL,
	price      NUMERIC     NOT NULL,
	bid        NUMERIC,
	ask        NUMERIC,
	quote_ccy  TEXT        NOT NULL,
	source     TEXT        NOT NULL
);
CREATE TABLE IF NOT EXISTS opportunities (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	opp_id      TEXT        NOT NULL,
	buy_venue   TEXT        NOT NULL,
	sell_venue  TEXT        NOT NULL,
	buy_price   NUMERIC     NOT NULL,
	sell_price  NUMERIC     NOT NULL,
	spread_pct  NUMERIC     NOT NULL,
	est_net     NUMERIC     NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
	id           BIGSERIAL PRIMARY KEY,
	ts           TIMESTAMPTZ NOT NULL,
	execution_id TEXT        NOT NULL,
	event        TEXT        NOT NULL,
	detail       TEXT
);
CREATE TABLE IF NOT EXISTS venue_status (
	id     BIGSERIAL PRIMARY KEY,
	ts     TIMESTAMPTZ NOT NULL,
	venue  TEXT        NOT NULL,
	status TEXT        NOT NULL
);
`

// Store writes audit rows.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to Postgres and ensures the schema exists.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// newWithDB wires a store over an existing connection (tests).
func newWithDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run consumes bus events until the channel closes or ctx is done.
func (s *Store) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := s.record(ctx, evt); err != nil {
				s.logger.Warn("audit insert failed", "kind", evt.Kind, "error", err)
			}
		}
	}
}

// record maps one event onto its audit table. Events with no audit
// shape are skipped.
func (s *Store) record(ctx context.Context, evt events.Event) error {
	switch evt.Kind {
	case events.KindTick:
		payload, ok := evt.Payload.(events.TickPayload)
		if !ok {
			return nil
		}
		t := payload.Tick
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO prices (ts, venue, price, bid, ask, quote_ccy, source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			evt.Timestamp, t.Venue, t.Price.String(), t.Bid.String(), t.Ask.String(), t.QuoteCcy, string(t.Source))
		return err

	case events.KindOpportunity:
		payload, ok := evt.Payload.(events.OpportunityPayload)
		if !ok {
			return nil
		}
		o := payload.Opportunity
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO opportunities (ts, opp_id, buy_venue, sell_venue, buy_price, sell_price, spread_pct, est_net)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			evt.Timestamp, o.ID, o.BuyVenue, o.SellVenue,
			o.BuyPrice.String(), o.SellPrice.String(), o.SpreadPct.String(), o.EstNet.String())
		return err

	case events.KindExecutionStarted, events.KindSettlementCompleted, events.KindSettlementFailed,
		events.KindStageTimeout, events.KindExecutionWarning:
		detail := ""
		switch p := evt.Payload.(type) {
		case events.SettlementPayload:
			detail = "profit=" + p.Profit.String()
		case events.FailurePayload:
			detail = string(p.Category) + ": " + p.Hint
		case events.StagePayload:
			detail = p.Stage
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO executions (ts, execution_id, event, detail) VALUES ($1, $2, $3, $4)`,
			evt.Timestamp, evt.ExecutionID, string(evt.Kind), detail)
		return err

	case events.KindCircuitOpen, events.KindCircuitHalfOpen, events.KindCircuitClosed, events.KindBridgeStale:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO venue_status (ts, venue, status) VALUES ($1, $2, $3)`,
			evt.Timestamp, evt.Venue, string(evt.Kind))
		return err
	}
	return nil
}

// PruneBefore deletes audit rows older than the cutoff, returning the
// number of price rows removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	for _, table := range []string{"opportunities", "executions", "venue_status"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < $1`, cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM prices WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune prices: %w", err)
	}
	return res.RowsAffected()
}
