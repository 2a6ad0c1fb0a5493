package safetrade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

const (
	readTimeout  = 90 * time.Second // stalls longer than this end the stream
	writeTimeout = 10 * time.Second
)

// wsTicker is the streamed ticker payload, keyed by "<market>.ticker"
// in the outer message.
type wsTicker struct {
	At   int64  `json:"at"`
	Buy  string `json:"buy"`
	Sell string `json:"sell"`
	Last string `json:"last"`
	Vol  string `json:"vol"`
}

// Stream connects to the public WebSocket, subscribes to the market's
// ticker stream, and pushes a Tick into sink for every update. It
// returns a transport error when the connection drops; the caller owns
// reconnection. Blocks until failure or ctx cancellation.
func (c *Client) Stream(ctx context.Context, sink venue.TickSink) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return venue.Errf(Name, "stream", types.ErrTransport, fmt.Errorf("dial: %w", err))
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	sub := map[string]any{
		"event":   "subscribe",
		"streams": []string{c.market + ".ticker"},
	}
	if err := c.writeJSON(sub); err != nil {
		return venue.Errf(Name, "stream", types.ErrTransport, fmt.Errorf("subscribe: %w", err))
	}

	// Pong receipt just pushes the read deadline out.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return venue.Errf(Name, "stream", types.ErrTransport, fmt.Errorf("read: %w", err))
		}

		if tick, ok := c.parseStreamTick(msg); ok {
			sink.Push(tick)
		}
	}
}

// parseStreamTick extracts a Tick from a raw stream message. Messages
// that are not ticker updates (subscription acks, trade feeds) are
// skipped without error.
func (c *Client) parseStreamTick(msg []byte) (types.Tick, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return types.Tick{}, false
	}

	raw, ok := envelope[c.market+".ticker"]
	if !ok {
		return types.Tick{}, false
	}

	var t wsTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return types.Tick{}, false
	}
	last, err := decimal.NewFromString(t.Last)
	if err != nil || !last.IsPositive() {
		return types.Tick{}, false
	}
	bid, _ := decimal.NewFromString(t.Buy)
	ask, _ := decimal.NewFromString(t.Sell)
	vol, _ := decimal.NewFromString(t.Vol)

	return types.Tick{
		Venue:          Name,
		Price:          last,
		QuoteCcy:       c.quote,
		Bid:            bid,
		Ask:            ask,
		LastTradeTs:    time.Unix(t.At, 0),
		ReceivedTs:     time.Now(),
		VolumeQuote24h: vol.Mul(last),
		Source:         types.SourceStream,
	}, true
}

// Ping sends a WebSocket ping frame on the live stream connection.
// Pong receipt is observed by the read loop's deadline handler.
func (c *Client) Ping(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return venue.Errf(Name, "ping", types.ErrTransport, fmt.Errorf("stream not connected"))
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return venue.Errf(Name, "ping", types.ErrTransport, err)
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}
