package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "ignitionflow/config"
	"ignitionflow/internal/metrics"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// StreamClient maintains the websocket connection to the provider's tick
// stream. Subscriptions survive reconnects: the desired set is replayed
// after every successful dial. Received ticks are pushed to the output
// channel with a non-blocking send; a full channel drops the tick and
// emits a drop metric.
type StreamClient struct {
	config  *appconfig.Config
	out     chan<- models.Tick
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	subs map[models.StreamChannel]map[string]struct{}
	conn *websocket.Conn

	// The websocket supports a single concurrent data writer; wmu
	// serializes subscribe frames across the sync and connect goroutines.
	wmu sync.Mutex
}

type streamOp struct {
	Action  string   `json:"action"`
	Channel string   `json:"channel"`
	Tickers []string `json:"tickers"`
}

// NewStreamClient creates a stream client writing ticks to out.
func NewStreamClient(cfg *appconfig.Config, out chan<- models.Tick) *StreamClient {
	return &StreamClient{
		config: cfg,
		out:    out,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		subs:   make(map[models.StreamChannel]map[string]struct{}),
	}
}

// Start launches the connection loop.
func (s *StreamClient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream client already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("provider_stream").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"url": s.config.Provider.StreamURL}).Info("starting stream client")

	s.wg.Add(1)
	go s.connectLoop()

	log.Info("stream client started successfully")
	return nil
}

// Stop terminates the connection loop. The caller cancels the Start
// context first; closing the live connection unblocks a pending read.
func (s *StreamClient) Stop() {
	s.mu.Lock()
	s.running = false
	conn := s.conn
	s.mu.Unlock()

	s.log.WithComponent("provider_stream").Info("stopping stream client")
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log.WithComponent("provider_stream").Info("stream client stopped")
}

// Subscribe adds tickers to the desired set for a channel and sends the
// subscribe frame when connected.
func (s *StreamClient) Subscribe(channel models.StreamChannel, tickers []string) error {
	return s.updateSubs("subscribe", channel, tickers)
}

// Unsubscribe removes tickers from the desired set for a channel.
func (s *StreamClient) Unsubscribe(channel models.StreamChannel, tickers []string) error {
	return s.updateSubs("unsubscribe", channel, tickers)
}

func (s *StreamClient) updateSubs(action string, channel models.StreamChannel, tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}

	s.mu.Lock()
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[string]struct{})
		s.subs[channel] = set
	}
	for _, t := range tickers {
		if action == "subscribe" {
			set[t] = struct{}{}
		} else {
			delete(set, t)
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		// Applied on the next reconnect.
		return nil
	}
	op := streamOp{Action: action, Channel: string(channel), Tickers: tickers}
	if err := s.writeOp(conn, op); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, action, channel, err)
	}
	return nil
}

func (s *StreamClient) writeOp(conn *websocket.Conn, op streamOp) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteJSON(op)
}

func (s *StreamClient) connectLoop() {
	defer s.wg.Done()

	cfg := s.config.Provider.Stream
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}

	log := s.log.WithComponent("provider_stream").WithFields(logger.Fields{"worker": "connect_loop"})
	dialer := websocket.DefaultDialer

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(s.ctx, s.config.Provider.StreamURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to provider stream")
			if s.waitForReconnect(reconnectDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if err := s.replaySubscriptions(conn); err != nil {
			log.WithError(err).Warn("failed to replay subscriptions")
			s.dropConn(conn)
			if s.waitForReconnect(reconnectDelay) {
				return
			}
			continue
		}

		pingCancel := s.startPingLoop(conn, cfg.KeepAlive)

		if err := s.readMessages(conn, cfg.IdleTimeout); err != nil && s.ctx.Err() == nil {
			log.WithError(err).Warn("stream read loop ended, reconnecting")
		}

		pingCancel()
		s.dropConn(conn)

		if s.ctx.Err() != nil {
			return
		}
		if s.waitForReconnect(reconnectDelay) {
			return
		}
	}
}

func (s *StreamClient) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// replaySubscriptions re-sends the full desired set after a (re)connect.
func (s *StreamClient) replaySubscriptions(conn *websocket.Conn) error {
	s.mu.RLock()
	ops := make([]streamOp, 0, len(s.subs))
	for channel, set := range s.subs {
		if len(set) == 0 {
			continue
		}
		tickers := make([]string, 0, len(set))
		for t := range set {
			tickers = append(tickers, t)
		}
		sort.Strings(tickers)
		ops = append(ops, streamOp{Action: "subscribe", Channel: string(channel), Tickers: tickers})
	}
	s.mu.RUnlock()

	for _, op := range ops {
		if err := s.writeOp(conn, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamClient) startPingLoop(conn *websocket.Conn, keepAlive time.Duration) context.CancelFunc {
	if keepAlive <= 0 {
		keepAlive = 20 * time.Second
	}
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
	return cancel
}

func (s *StreamClient) readMessages(conn *websocket.Conn, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	log := s.log.WithComponent("provider_stream")

	for {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ticks []models.Tick
		if err := json.Unmarshal(msg, &ticks); err != nil {
			var single models.Tick
			if err := json.Unmarshal(msg, &single); err != nil {
				log.WithError(err).Debug("unparseable stream frame")
				continue
			}
			ticks = []models.Tick{single}
		}

		now := time.Now()
		for _, tick := range ticks {
			tick.Received = now
			select {
			case s.out <- tick:
			default:
				metrics.EmitDropMetric(s.log, metrics.DropMetricRawTick, "", tick.Ticker, "stream_read")
			}
		}
	}
}

func (s *StreamClient) waitForReconnect(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
