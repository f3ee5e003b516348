// Package stream maintains the market data websocket: it subscribes the
// option chain's tokens in LTP mode, decodes the binary tick frames, and
// feeds every tick to the quote cache. The connection reconnects on failure
// and resubscribes, so the rest of the bot only ever sees a price cache.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSURL = "wss://ws.kite.trade"

	// ltpPacketSize is token (4) + last price in paise (4).
	ltpPacketSize = 8

	maxReconnectAttempts = 5
	reconnectDelay       = 5 * time.Second

	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Tick is one decoded LTP update.
type Tick struct {
	Token uint32
	Price float64
}

// TickHandler receives every decoded tick. It runs on the read loop and must
// not block.
type TickHandler func(token uint32, price float64, at time.Time)

// Ticker is the reconnecting websocket client.
type Ticker struct {
	wsURL   string
	handler TickHandler
	logger  *log.Logger

	mu     sync.Mutex
	tokens []uint32
	conn   *websocket.Conn
}

// NewTicker builds a ticker authenticated with the api key and daily access
// token. An empty wsURL targets the production stream.
func NewTicker(apiKey, accessToken, wsURL string, handler TickHandler, logger *log.Logger) *Ticker {
	if wsURL == "" {
		wsURL = defaultWSURL
	}
	if logger == nil {
		logger = log.Default()
	}
	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("access_token", accessToken)
	return &Ticker{
		wsURL:   wsURL + "?" + q.Encode(),
		handler: handler,
		logger:  logger,
	}
}

// Subscribe adds tokens to the LTP subscription. Safe to call before Run and
// while connected; new tokens are sent immediately when a connection exists
// and replayed after every reconnect.
func (t *Ticker) Subscribe(tokens ...uint32) error {
	t.mu.Lock()
	existing := make(map[uint32]struct{}, len(t.tokens))
	for _, tok := range t.tokens {
		existing[tok] = struct{}{}
	}
	var added []uint32
	for _, tok := range tokens {
		if _, ok := existing[tok]; !ok {
			t.tokens = append(t.tokens, tok)
			added = append(added, tok)
		}
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return t.sendSubscription(conn, added)
}

// Run connects and pumps ticks until ctx is cancelled. Connection loss
// triggers up to maxReconnectAttempts reconnects; when they are exhausted Run
// returns the last error so the caller can alert and decide.
func (t *Ticker) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if attempts > maxReconnectAttempts {
			return fmt.Errorf("stream lost after %d reconnect attempts: %w", maxReconnectAttempts, err)
		}
		t.logger.Printf("Warning: market stream dropped (%v), reconnect %d/%d in %v",
			err, attempts, maxReconnectAttempts, reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (t *Ticker) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	tokens := make([]uint32, len(t.tokens))
	copy(tokens, t.tokens)
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	if len(tokens) > 0 {
		if err := t.sendSubscription(conn, tokens); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
	}
	t.logger.Printf("Market stream connected, %d tokens subscribed", len(tokens))

	// Close the connection when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue // text messages carry postbacks and errors, not ticks
		}
		now := time.Now()
		for _, tick := range ParseTicks(data) {
			t.handler(tick.Token, tick.Price, now)
		}
	}
}

// sendSubscription subscribes tokens and switches them to LTP mode.
func (t *Ticker) sendSubscription(conn *websocket.Conn, tokens []uint32) error {
	sub := map[string]any{"a": "subscribe", "v": tokens}
	mode := map[string]any{"a": "mode", "v": []any{"ltp", tokens}}
	for _, msg := range []map[string]any{sub, mode} {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

// ParseTicks decodes a binary frame: a 2-byte big-endian packet count, then
// per packet a 2-byte length and the packet bytes. An LTP packet is the token
// followed by the last price in paise. One-byte frames are heartbeats.
func ParseTicks(data []byte) []Tick {
	if len(data) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	offset := 2

	ticks := make([]Tick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			break
		}
		packetLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+packetLen > len(data) {
			break
		}
		packet := data[offset : offset+packetLen]
		offset += packetLen

		if packetLen < ltpPacketSize {
			continue
		}
		ticks = append(ticks, Tick{
			Token: binary.BigEndian.Uint32(packet[0:4]),
			Price: float64(binary.BigEndian.Uint32(packet[4:8])) / 100,
		})
	}
	return ticks
}
