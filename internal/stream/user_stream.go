// Package stream maintains the authenticated user websocket feed. Order
// updates pushed by the exchange reach the settlement monitor before its
// next poll would.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/exchange"
)

var log = logrus.WithField("component", "user_stream")

// OrderUpdateHandler receives pushed order state changes.
type OrderUpdateHandler func(exchangeOrderID, status, txHash string)

// Config tunes the stream connection.
type Config struct {
	URL            string
	PingInterval   time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	MaxReconnects  int
	HandshakeWait  time.Duration
	MessageBufSize int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		PingInterval:  10 * time.Second,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxReconnects: 20,
		HandshakeWait: 15 * time.Second,
	}
}

// UserStream is one authenticated connection to the user channel.
type UserStream struct {
	cfg     Config
	creds   *exchange.APICreds
	handler OrderUpdateHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewUserStream(cfg Config, creds *exchange.APICreds, handler OrderUpdateHandler) *UserStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &UserStream{
		cfg:     cfg,
		creds:   creds,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start dials, authenticates and begins the read and ping loops.
func (s *UserStream) Start() error {
	if err := s.connect(); err != nil {
		return err
	}
	go s.readLoop()
	go s.pingLoop()
	log.WithField("url", s.cfg.URL).Info("user stream connected")
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (s *UserStream) Stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn("user stream shutdown timed out")
	}
}

func (s *UserStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeWait}
	conn, _, err := dialer.Dial(s.cfg.URL, nil)
	if err != nil {
		return err
	}

	auth := map[string]interface{}{
		"auth": map[string]string{
			"apiKey":     s.creds.Key,
			"secret":     s.creds.Secret,
			"passphrase": s.creds.Passphrase,
		},
		"type": "USER",
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return err
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

func (s *UserStream) readLoop() {
	defer close(s.done)
	attempts := 0

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			if !s.redial(&attempts) {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.WithField("error", err).Warn("user stream read failed, reconnecting")
			if !s.redial(&attempts) {
				return
			}
			continue
		}
		attempts = 0
		s.handleMessage(message)
	}
}

// redial reconnects with linear backoff capped at ReconnectMax. Returns
// false once the attempt budget is exhausted or the stream is stopping.
func (s *UserStream) redial(attempts *int) bool {
	*attempts++
	if *attempts > s.cfg.MaxReconnects {
		log.WithField("attempts", *attempts-1).Error("user stream gave up reconnecting")
		return false
	}
	delay := s.cfg.ReconnectBase * time.Duration(*attempts)
	if delay > s.cfg.ReconnectMax {
		delay = s.cfg.ReconnectMax
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(delay):
	}
	if err := s.connect(); err != nil {
		log.WithField("error", err).Warn("user stream reconnect failed")
	}
	return true
}

func (s *UserStream) pingLoop() {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			// The server speaks text PING/PONG, not websocket control
			// frames.
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				log.WithField("error", err).Debug("ping failed")
			}
		}
	}
}

func (s *UserStream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return // PONG and other text chatter
	}

	var msg struct {
		EventType string `json:"event_type"`
		ID        string `json:"id"`
		Status    string `json:"status"`
		TxHash    string `json:"transaction_hash"`
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		log.WithField("error", err).Debug("unparseable stream message")
		return
	}
	if msg.EventType != "order" || msg.ID == "" {
		return
	}
	if s.handler != nil {
		s.handler(msg.ID, msg.Status, msg.TxHash)
	}
}
