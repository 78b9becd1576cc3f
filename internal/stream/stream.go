// Package stream maintains the live forex quote feed: connection state,
// subscriptions, the latest-quote table, and TP/SL alert evaluation.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/forex"
	"github.com/Hasnain410/forex-live-trader/internal/store"
)

// ErrNotConnected is returned for operations that need a Ready stream.
var ErrNotConnected = errors.New("price stream not connected")

// DefaultURL is the Polygon forex quote feed.
const DefaultURL = "wss://socket.polygon.io/forex"

const (
	connectTimeout = 30 * time.Second
	pingInterval   = 30 * time.Second
	pingTimeout    = 10 * time.Second
)

// Variable so tests can shorten the backoff.
var reconnectDelay = 5 * time.Second

// State of the stream connection.
type State string

const (
	Disconnected   State = "disconnected"
	Connecting     State = "connecting"
	Authenticating State = "authenticating"
	Ready          State = "ready"
	Closed         State = "closed"
)

// Quote is the latest bid/ask for a pair.
type Quote struct {
	Pair      string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid is the arithmetic mean of bid and ask.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// SpreadPips is the bid/ask spread expressed in pips.
func (q Quote) SpreadPips() float64 { return forex.PriceToPips(q.Ask-q.Bid, q.Pair) }

// TriggerKind says which level an alert fired on.
type TriggerKind string

const (
	TriggerTP TriggerKind = "TP"
	TriggerSL TriggerKind = "SL"
)

// Alert watches one open position's TP and SL levels against the mid price.
type Alert struct {
	TradeID    string
	Pair       string
	Direction  store.Direction
	EntryPrice float64
	TakeProfit float64
	StopLoss   float64

	Triggered    bool
	TriggerKind  TriggerKind
	TriggerPrice float64
	TriggerTime  time.Time
}

// PriceStream is the persistent quote feed connection.
//
// Quote and alert state is owned by the single read loop; alerts are
// delivered to the callback through a buffered channel drained by one
// dispatch goroutine, which preserves trigger order. The dispatcher is
// tied to the stream, not to any one connection, so it survives both
// reconnects and a Disconnect/Connect revival between sessions.
type PriceStream struct {
	apiKey string
	url    string
	dialer *websocket.Dialer

	onAlert func(Alert)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	subscribed map[string]bool
	generation int

	quotesMu sync.RWMutex
	quotes   map[string]Quote

	alertsMu sync.Mutex
	alerts   map[string]*Alert

	alertCh      chan Alert
	dispatchOnce sync.Once
	quit         chan struct{}
}

// New builds a stream against the default feed URL. The onAlert callback
// runs on the dispatch goroutine, strictly in trigger order.
func New(apiKey string, onAlert func(Alert)) *PriceStream {
	return &PriceStream{
		apiKey:     apiKey,
		url:        DefaultURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: connectTimeout},
		onAlert:    onAlert,
		state:      Disconnected,
		subscribed: make(map[string]bool),
		quotes:     make(map[string]Quote),
		alerts:     make(map[string]*Alert),
		alertCh:    make(chan Alert, 64),
		quit:       make(chan struct{}),
	}
}

// SetURL overrides the feed endpoint.
func (s *PriceStream) SetURL(url string) { s.url = url }

// State returns the current connection state.
func (s *PriceStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the stream is Ready.
func (s *PriceStream) IsConnected() bool { return s.State() == Ready }

type frame struct {
	Ev      string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Pair    string  `json:"p"`
	Bid     float64 `json:"b"`
	Ask     float64 `json:"a"`
	TS      int64   `json:"t"`
}

type action struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// Connect dials the feed, completes the hello/auth handshake, and starts
// the read loop. Safe to call on an already-Ready stream.
func (s *PriceStream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Ready, Connecting, Authenticating:
		return nil
	case Closed:
		// A closed stream may be revived for the next session cycle.
		s.quit = make(chan struct{})
	}
	s.state = Connecting

	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		s.state = Disconnected
		return fmt.Errorf("stream: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))

	// Server hello.
	var hello []frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		s.state = Disconnected
		return fmt.Errorf("stream: read hello: %w", err)
	}
	if len(hello) == 0 || hello[0].Status != "connected" {
		conn.Close()
		s.state = Disconnected
		return fmt.Errorf("stream: unexpected hello: %+v", hello)
	}

	s.state = Authenticating
	if err := conn.WriteJSON(action{Action: "auth", Params: s.apiKey}); err != nil {
		conn.Close()
		s.state = Disconnected
		return fmt.Errorf("stream: send auth: %w", err)
	}

	var authResp []frame
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		s.state = Disconnected
		return fmt.Errorf("stream: read auth response: %w", err)
	}
	if len(authResp) == 0 || authResp[0].Status != "auth_success" {
		conn.Close()
		s.state = Disconnected
		return fmt.Errorf("stream: auth failed: %+v", authResp)
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	})

	s.conn = conn
	s.state = Ready
	s.generation++

	// quit is replaced on revival; loops must hold the channel they were
	// started against, never re-read the field.
	quit := s.quit
	s.dispatchOnce.Do(func() { go s.dispatchLoop() })
	go s.readLoop(conn, s.generation)
	go s.pingLoop(conn, quit, s.generation)

	log.Info().Str("url", s.url).Msg("Price stream connected and authenticated")
	return nil
}

// Disconnect closes the stream: the read loop stops, alerts are dropped,
// and subscriptions cleared. A later Connect revives it for the next
// session cycle.
func (s *PriceStream) Disconnect() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	close(s.quit)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.subscribed = make(map[string]bool)
	s.mu.Unlock()

	s.alertsMu.Lock()
	s.alerts = make(map[string]*Alert)
	s.alertsMu.Unlock()

	log.Info().Msg("Price stream disconnected")
}

// Subscribe adds pairs to the live subscription. Already-subscribed pairs
// are skipped; calling with an all-known set is a no-op.
func (s *PriceStream) Subscribe(pairs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready {
		return ErrNotConnected
	}

	var symbols []string
	for _, pair := range pairs {
		if s.subscribed[pair] {
			continue
		}
		symbols = append(symbols, ToSymbol(pair))
		s.subscribed[pair] = true
	}
	if len(symbols) == 0 {
		return nil
	}

	if err := s.conn.WriteJSON(action{Action: "subscribe", Params: strings.Join(symbols, ",")}); err != nil {
		return fmt.Errorf("stream: subscribe: %w", err)
	}
	log.Info().Int("pairs", len(symbols)).Msg("Subscribed to quote feed")
	return nil
}

// Unsubscribe removes pairs from the live subscription.
func (s *PriceStream) Unsubscribe(pairs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready {
		return ErrNotConnected
	}

	var symbols []string
	for _, pair := range pairs {
		if !s.subscribed[pair] {
			continue
		}
		symbols = append(symbols, ToSymbol(pair))
		delete(s.subscribed, pair)
	}
	if len(symbols) == 0 {
		return nil
	}

	if err := s.conn.WriteJSON(action{Action: "unsubscribe", Params: strings.Join(symbols, ",")}); err != nil {
		return fmt.Errorf("stream: unsubscribe: %w", err)
	}
	return nil
}

// GetQuote returns the latest quote for a pair.
func (s *PriceStream) GetQuote(pair string) (Quote, bool) {
	s.quotesMu.RLock()
	defer s.quotesMu.RUnlock()
	q, ok := s.quotes[pair]
	return q, ok
}

// LatestQuotes returns a copy of the latest-quote table.
func (s *PriceStream) LatestQuotes() map[string]Quote {
	s.quotesMu.RLock()
	defer s.quotesMu.RUnlock()
	out := make(map[string]Quote, len(s.quotes))
	for k, v := range s.quotes {
		out[k] = v
	}
	return out
}

// AddAlert registers a TP/SL watch for a position.
func (s *PriceStream) AddAlert(a Alert) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	s.alerts[a.TradeID] = &a
}

// RemoveAlert drops the watch for a position.
func (s *PriceStream) RemoveAlert(tradeID string) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	delete(s.alerts, tradeID)
}

// AlertCount returns the number of registered alerts, triggered or not.
func (s *PriceStream) AlertCount() int {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	return len(s.alerts)
}

// dispatchLoop runs for the life of the stream. alertCh is never closed,
// so anything triggered just before a Disconnect is still delivered.
func (s *PriceStream) dispatchLoop() {
	for a := range s.alertCh {
		if s.onAlert != nil {
			s.onAlert(a)
		}
	}
}

func (s *PriceStream) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, gen, err)
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) pingLoop(conn *websocket.Conn, quit chan struct{}, gen int) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.currentGeneration() != gen {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		case <-quit:
			return
		}
	}
}

func (s *PriceStream) currentGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// handleDisconnect transitions to Disconnected and arranges a reconnect,
// unless the stream was deliberately closed or a newer connection already
// replaced this one.
func (s *PriceStream) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	conn.Close()

	s.mu.Lock()
	if s.state == Closed || s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.conn = nil
	quit := s.quit
	s.mu.Unlock()

	log.Warn().Err(cause).Msg("Price stream connection lost, reconnecting")
	go s.reconnectLoop(quit)
}

// reconnectLoop retries the connection every 5 seconds until it succeeds
// or the stream is closed, then restores the previous subscriptions.
func (s *PriceStream) reconnectLoop(quit chan struct{}) {
	for {
		select {
		case <-time.After(reconnectDelay):
		case <-quit:
			return
		}

		s.mu.Lock()
		if s.state != Disconnected {
			s.mu.Unlock()
			return
		}
		previous := make([]string, 0, len(s.subscribed))
		for pair := range s.subscribed {
			previous = append(previous, pair)
		}
		s.subscribed = make(map[string]bool)
		s.mu.Unlock()

		if err := s.Connect(); err != nil {
			log.Warn().Err(err).Msg("Reconnect attempt failed")
			s.mu.Lock()
			for _, pair := range previous {
				s.subscribed[pair] = true
			}
			s.mu.Unlock()
			continue
		}

		if len(previous) > 0 {
			if err := s.Subscribe(previous); err != nil {
				log.Error().Err(err).Msg("Resubscribe after reconnect failed")
			}
		}
		return
	}
}

func (s *PriceStream) handleMessage(data []byte) {
	var frames []frame
	if err := json.Unmarshal(data, &frames); err != nil {
		var single frame
		if err := json.Unmarshal(data, &single); err != nil {
			log.Debug().Str("payload", string(data)).Msg("Unparseable stream frame")
			return
		}
		frames = []frame{single}
	}

	for _, f := range frames {
		switch {
		case f.Ev == "C":
			pair := FromSymbol(f.Pair)
			if pair == "" {
				continue
			}
			q := Quote{
				Pair:      pair,
				Bid:       f.Bid,
				Ask:       f.Ask,
				Timestamp: time.UnixMilli(f.TS).UTC(),
			}
			s.quotesMu.Lock()
			s.quotes[pair] = q
			s.quotesMu.Unlock()
			s.checkAlerts(pair, q)
		case f.Status != "":
			log.Debug().Str("status", f.Status).Str("message", f.Message).Msg("Stream status")
		}
	}
}

// checkAlerts evaluates untriggered alerts for the pair against the mid.
// TP is checked first; when one quote gaps across both levels, TP wins.
func (s *PriceStream) checkAlerts(pair string, q Quote) {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	mid := q.Mid()
	for _, a := range s.alerts {
		if a.Pair != pair || a.Triggered {
			continue
		}

		var kind TriggerKind
		switch a.Direction {
		case store.Long:
			if mid >= a.TakeProfit {
				kind = TriggerTP
			} else if mid <= a.StopLoss {
				kind = TriggerSL
			}
		case store.Short:
			if mid <= a.TakeProfit {
				kind = TriggerTP
			} else if mid >= a.StopLoss {
				kind = TriggerSL
			}
		}
		if kind == "" {
			continue
		}

		a.Triggered = true
		a.TriggerKind = kind
		a.TriggerPrice = mid
		a.TriggerTime = q.Timestamp

		log.Info().Str("pair", pair).Str("kind", string(kind)).Float64("price", mid).Msg("Alert triggered")

		select {
		case s.alertCh <- *a:
		default:
			log.Error().Str("trade", a.TradeID).Msg("Alert channel full, dropping delivery")
		}
	}
}

// ToSymbol converts EURUSD to the feed's C.EUR/USD form.
func ToSymbol(pair string) string {
	if len(pair) < 6 {
		return pair
	}
	return "C." + pair[:3] + "/" + pair[3:]
}

// FromSymbol converts C.EUR/USD back to EURUSD. Unknown shapes map to "".
func FromSymbol(symbol string) string {
	if !strings.HasPrefix(symbol, "C.") {
		return ""
	}
	return strings.ReplaceAll(symbol[2:], "/", "")
}
