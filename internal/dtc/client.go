package dtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"miaflow/config"
	"miaflow/internal/metrics"
	"miaflow/logger"
)

// Status is the session state surfaced to callers.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusError        Status = "ERROR"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBackoff  = 5 * time.Second
	defaultReconnectAttempts = 5
	defaultRequestsPerSecond = 20

	writeTimeout  = 5 * time.Second
	logoffTimeout = 2 * time.Second
)

// Handlers receives inbound traffic. Callbacks run on the read-loop
// goroutine in arrival order; a slow handler delays everything behind it.
type Handlers struct {
	OnMarketData     func(*MarketDataUpdate)
	OnMarketDepth    func(*DepthSnapshot)
	OnOrderUpdate    func(*OrderUpdate)
	OnPositionUpdate func(*PositionUpdate)
	OnReject         func(*Reject)
}

// OrderRequest describes one order submission. Side is BUY or SELL,
// OrderType one of MARKET, LIMIT, STOP, STOP_LIMIT (empty means MARKET).
// Price is ignored for market orders. TimeInForce defaults to DAY.
type OrderRequest struct {
	Symbol      string
	Side        string
	Quantity    float64
	OrderType   string
	Price       float64
	TimeInForce string
}

type subscription struct {
	marketData bool
	depth      bool
	levels     int
}

// Client owns one DTC session to a Sierra Chart host. The socket is held
// exclusively; all writes go through the client and all reads arrive on a
// single read loop.
type Client struct {
	cfg       config.SierraConfig
	trading   config.TradingConfig
	contracts *config.ContractBook
	log       *logger.Entry
	limiter   *rate.Limiter

	handlers   Handlers
	handlersMu sync.RWMutex

	// sendMu serializes socket writes so frames never interleave.
	sendMu sync.Mutex

	mu            sync.RWMutex
	status        Status
	conn          net.Conn
	pending       net.Conn
	closing       bool
	requestID     int
	subs          map[string]*subscription
	requests      map[int]string
	sessionID     string
	connectedAt   time.Time
	lastHeartbeat time.Time
	reconnections int64
	requestsSent  int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds an unconnected client. contracts may be nil; symbols then
// route to the configured default exchange.
func NewClient(cfg *config.Config, contracts *config.ContractBook, log *logger.Log) *Client {
	rps := cfg.Sierra.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Sierra.RequestBurst
	if burst <= 0 {
		burst = rps * 2
	}
	return &Client{
		cfg:       cfg.Sierra,
		trading:   cfg.Trading,
		contracts: contracts,
		log:       log.WithComponent("dtc_client"),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		status:    StatusDisconnected,
		subs:      make(map[string]*subscription),
		requests:  make(map[int]string),
		sessionID: uuid.New().String(),
		ctx:       context.Background(),
	}
}

// SetHandlers registers the inbound callbacks. Call before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	c.handlers = h
	c.handlersMu.Unlock()
}

// Connect dials the host and performs the logon handshake. ctx bounds the
// dial and handshake only; the session itself lives until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.status = StatusConnecting
	c.closing = false
	c.sessionID = uuid.New().String()
	sctx, cancel := context.WithCancel(context.Background())
	c.ctx = sctx
	c.cancel = cancel
	c.mu.Unlock()

	conn, dec, err := c.dial(ctx)
	if err != nil {
		cancel()
		c.setStatus(StatusError)
		return err
	}
	if err := c.handshake(conn, dec); err != nil {
		conn.Close()
		cancel()
		c.setStatus(StatusError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.connectedAt = time.Now()
	c.lastHeartbeat = time.Now()
	sessionID := c.sessionID
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{
		"host":       c.cfg.Host,
		"port":       c.cfg.Port,
		"session_id": sessionID,
	}).Info("sierra session established")

	c.startLoops(conn, dec)
	c.resubscribe()
	return nil
}

// Disconnect closes the session with a best-effort logoff. Safe to call
// repeatedly and in any state; recorded subscriptions are discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	pending := c.pending
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		c.writeLogoff(conn)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if pending != nil {
		pending.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.status = StatusDisconnected
	c.conn = nil
	c.pending = nil
	c.closing = false
	c.subs = make(map[string]*subscription)
	c.requests = make(map[int]string)
	c.mu.Unlock()

	c.log.Info("sierra session closed")
}

func (c *Client) dial(ctx context.Context) (net.Conn, *Decoder, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, NewDecoder(conn), nil
}

// handshake sends the logon and blocks for exactly one reply. The decoder
// stays attached to the connection afterwards so no buffered bytes are lost.
func (c *Client) handshake(conn net.Conn, dec *Decoder) error {
	heartbeat := c.heartbeatInterval()
	logon := newLogonRequest(c.cfg.Username, c.cfg.Password, int(heartbeat/time.Second))
	frame, err := Encode(logon)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.handshakeTimeout())
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("send logon: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)

	msg, err := dec.Decode()
	if err != nil {
		return &HandshakeError{Err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	if msg.Type() != TypeLogonResponse {
		return &HandshakeError{Text: fmt.Sprintf("unexpected reply type %d", msg.Type())}
	}
	resp := ParseLogonResponse(msg)
	if resp.Result != LogonSuccess {
		return &HandshakeError{Result: resp.Result, Text: resp.ResultText}
	}
	return nil
}

func (c *Client) startLoops(conn net.Conn, dec *Decoder) {
	c.wg.Add(2)
	go c.heartbeatLoop(conn)
	go c.readLoop(conn, dec)
}

func (c *Client) heartbeatLoop(conn net.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.sessionContext().Done():
			return
		case <-ticker.C:
			if c.currentConn() != conn {
				return
			}
			if err := c.send(Heartbeat{Type: TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn, dec *Decoder) {
	defer c.wg.Done()
	for {
		payload, err := dec.Next()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				c.countDecodeError(err)
				continue
			}
			if c.sessionContext().Err() != nil || c.currentConn() != conn {
				return
			}
			c.log.WithError(err).Warn("sierra read loop ended")
			c.scheduleReconnect()
			return
		}
		msg, err := DecodeMessage(payload)
		if err != nil {
			c.countDecodeError(err)
			continue
		}
		c.dispatch(msg, len(payload))
	}
}

func (c *Client) dispatch(msg Message, size int) {
	c.handlersMu.RLock()
	h := c.handlers
	c.handlersMu.RUnlock()

	switch msg.Type() {
	case TypeHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
	case TypeLogonResponse:
		// a logon response outside the handshake carries no new state
	case TypeLogoff:
		c.log.WithField("reason", msg.Str("Reason")).Warn("host requested logoff")
		c.scheduleReconnect()
	case TypeMarketDataUpdate:
		logger.IncrementTickRead(size)
		metrics.IncrementTick(msg.Str("Symbol"))
		if h.OnMarketData != nil {
			h.OnMarketData(ParseMarketData(msg))
		}
	case TypeMarketDepthSnapshot:
		logger.IncrementDepthRead(size)
		metrics.IncrementDepth(msg.Str("Symbol"))
		if h.OnMarketDepth != nil {
			h.OnMarketDepth(ParseDepth(msg))
		}
	case TypeMarketDataReject:
		rej := ParseReject(msg)
		c.log.WithFields(logger.Fields{
			"request_id": rej.RequestID,
			"symbol":     c.requestSymbol(rej.RequestID),
			"reason":     rej.Text,
		}).Warn("market data request rejected")
		if h.OnReject != nil {
			h.OnReject(rej)
		}
	case TypeOrderUpdate:
		logger.RecordFlowMessage("order_update", size)
		if h.OnOrderUpdate != nil {
			h.OnOrderUpdate(ParseOrderUpdate(msg))
		}
	case TypePositionUpdate:
		logger.RecordFlowMessage("position_update", size)
		if h.OnPositionUpdate != nil {
			h.OnPositionUpdate(ParsePositionUpdate(msg))
		}
	default:
		c.log.WithField("type", msg.Type()).Debug("ignoring unhandled message type")
	}
}

// scheduleReconnect moves the session to RECONNECTING and starts the retry
// loop. A no-op while one is already running or during shutdown.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.status == StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusReconnecting
	c.reconnections++
	total := c.reconnections
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		// best effort; the socket has usually already failed
		c.writeLogoff(conn)
		conn.Close()
	}

	logger.IncrementReconnection()
	metrics.IncrementReconnection()
	c.log.WithField("total_reconnections", total).Warn("sierra connection lost, reconnecting")

	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	ctx := c.sessionContext()
	backoff := c.cfg.ReconnectionBackoff
	if backoff <= 0 {
		backoff = defaultReconnectBackoff
	}
	attempts := c.cfg.MaxReconnectionAttempts
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if waitForReconnect(ctx, backoff) {
			return
		}

		conn, dec, err := c.dial(ctx)
		if err == nil {
			c.setPending(conn)
			err = c.handshake(conn, dec)
			c.setPending(nil)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("attempt", attempt).Warn("reconnection attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.status = StatusConnected
		c.connectedAt = time.Now()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()

		c.log.WithField("attempt", attempt).Info("sierra session re-established")
		c.startLoops(conn, dec)
		c.resubscribe()
		return
	}

	c.setStatus(StatusError)
	c.log.WithField("attempts", attempts).Error("reconnection attempts exhausted")
}

// waitForReconnect sleeps for the backoff, reporting true when the session
// context ends first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// resubscribe replays the recorded subscriptions onto a fresh connection.
func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for sym, s := range c.subs {
		subs[sym] = *s
	}
	c.mu.RUnlock()

	for sym, s := range subs {
		if s.marketData {
			if err := c.RequestMarketData(sym); err != nil {
				c.log.WithError(err).WithField("symbol", sym).Warn("market data resubscription failed")
			}
		}
		if s.depth {
			if err := c.RequestMarketDepth(sym, s.levels); err != nil {
				c.log.WithError(err).WithField("symbol", sym).Warn("market depth resubscription failed")
			}
		}
	}
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// REQUESTS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RequestMarketData subscribes symbol to Level-1 updates. The subscription
// is recorded and replayed after a reconnect.
func (c *Client) RequestMarketData(symbol string) error {
	if err := c.acquireSend(); err != nil {
		return err
	}
	id := c.nextRequestID(symbol)
	req := MarketDataRequest{
		Type:      TypeMarketDataRequest,
		RequestID: id,
		Symbol:    symbol,
		Exchange:  c.exchangeFor(symbol),
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("request market data for %s: %w", symbol, err)
	}
	c.recordSubscription(symbol, func(s *subscription) { s.marketData = true })
	c.log.WithFields(logger.Fields{"symbol": symbol, "request_id": id}).Info("market data requested")
	return nil
}

// RequestMarketDepth subscribes symbol to book snapshots. levels <= 0 asks
// for the full ten-level ladder.
func (c *Client) RequestMarketDepth(symbol string, levels int) error {
	if levels <= 0 || levels > depthWireLevels {
		levels = depthWireLevels
	}
	if err := c.acquireSend(); err != nil {
		return err
	}
	id := c.nextRequestID(symbol)
	req := MarketDepthRequest{
		Type:      TypeMarketDepthRequest,
		RequestID: id,
		Symbol:    symbol,
		Exchange:  c.exchangeFor(symbol),
		NumLevels: levels,
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("request market depth for %s: %w", symbol, err)
	}
	c.recordSubscription(symbol, func(s *subscription) {
		s.depth = true
		s.levels = levels
	})
	c.log.WithFields(logger.Fields{"symbol": symbol, "request_id": id, "levels": levels}).Info("market depth requested")
	return nil
}

// SubmitOrder validates and sends one order, returning the ClientOrderID the
// host will echo in execution reports. The call never waits for a fill.
func (c *Client) SubmitOrder(req OrderRequest) (string, error) {
	side, err := buySellCode(req.Side)
	if err != nil {
		return "", err
	}
	otype, err := orderTypeCode(req.OrderType)
	if err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", fmt.Errorf("invalid order quantity %v", req.Quantity)
	}
	if otype != OrderTypeMarket && req.Price <= 0 {
		return "", fmt.Errorf("order type %q requires a price", req.OrderType)
	}
	if err := c.acquireSend(); err != nil {
		return "", err
	}

	id := c.nextRequestID(req.Symbol)
	tif := req.TimeInForce
	if tif == "" {
		tif = defaultTimeInForce
	}
	order := SubmitNewSingleOrder{
		Type:          TypeSubmitNewSingleOrder,
		RequestID:     id,
		ClientOrderID: clientOrderID(id),
		Symbol:        req.Symbol,
		Exchange:      c.exchangeFor(req.Symbol),
		TradeAccount:  c.trading.TradeAccount,
		OrderType:     otype,
		BuySell:       side,
		OrderQuantity: req.Quantity,
		Price1:        req.Price,
		TimeInForce:   tif,
	}
	if otype == OrderTypeMarket {
		order.Price1 = 0
	}

	if err := c.send(order); err != nil {
		logger.IncrementOrderFailure()
		metrics.IncrementOrder(metrics.OrderResultFailed)
		return "", fmt.Errorf("submit order for %s: %w", req.Symbol, err)
	}

	logger.IncrementOrderSubmitted()
	metrics.IncrementOrder(metrics.OrderResultOK)
	c.log.WithFields(logger.Fields{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"client_order_id": order.ClientOrderID,
	}).Info("order submitted")
	return order.ClientOrderID, nil
}

// CancelOrder asks the host to pull a working order.
func (c *Client) CancelOrder(orderID string) error {
	if orderID == "" {
		return fmt.Errorf("empty client order id")
	}
	if err := c.acquireSend(); err != nil {
		return err
	}
	id := c.nextRequestID("")
	req := CancelOrder{Type: TypeCancelOrder, RequestID: id, ClientOrderID: orderID}
	if err := c.send(req); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	c.log.WithField("client_order_id", orderID).Info("order cancel requested")
	return nil
}

// SendHeartbeat pushes one keepalive outside the regular interval. Used by
// the connection monitor; not rate limited.
func (c *Client) SendHeartbeat() error {
	if c.currentConn() == nil {
		return ErrNotConnected
	}
	return c.send(Heartbeat{Type: TypeHeartbeat})
}

// acquireSend gates request primitives on session state and pacing.
// Heartbeats bypass this so keepalives are never queued behind a burst.
func (c *Client) acquireSend() error {
	c.mu.RLock()
	status := c.status
	ctx := c.ctx
	c.mu.RUnlock()
	if status != StatusConnected {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("request pacing: %w", err)
	}
	return nil
}

// send encodes and writes one frame. A write error schedules reconnection
// and fails the call.
func (c *Client) send(v any) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := Encode(v)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, werr := conn.Write(frame)
	c.sendMu.Unlock()

	if werr != nil {
		c.log.WithError(werr).Warn("sierra write failed")
		c.scheduleReconnect()
		return fmt.Errorf("write frame: %w", werr)
	}
	return nil
}

func (c *Client) writeLogoff(conn net.Conn) {
	frame, err := Encode(Logoff{Type: TypeLogoff, Reason: "client shutdown"})
	if err != nil {
		return
	}
	c.sendMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(logoffTimeout))
	_, _ = conn.Write(frame)
	c.sendMu.Unlock()
}

func (c *Client) countDecodeError(err error) {
	logger.IncrementDecodeError()
	metrics.IncrementDecodeError()
	c.log.WithError(err).Warn("dropping undecodable message")
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// ACCESSORS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Status returns the current session state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsConnected reports whether the session is usable for requests.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// ConnectedSince returns when the current connection was established.
func (c *Client) ConnectedSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// LastHeartbeat returns the time of the last inbound heartbeat (or the
// handshake, whichever is later).
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Reconnections returns how many times the reconnect procedure has run.
func (c *Client) Reconnections() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnections
}

// RequestsSent returns the number of request frames issued this session.
func (c *Client) RequestsSent() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestsSent
}

// SessionID identifies the current logical session. Regenerated on each
// successful Connect, stable across reconnects.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Subscriptions returns the recorded symbols in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	symbols := make([]string, 0, len(c.subs))
	for sym := range c.subs {
		symbols = append(symbols, sym)
	}
	c.mu.RUnlock()
	sort.Strings(symbols)
	return symbols
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) setPending(conn net.Conn) {
	c.mu.Lock()
	c.pending = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) sessionContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

func (c *Client) heartbeatInterval() time.Duration {
	if c.cfg.HeartbeatInterval > 0 {
		return c.cfg.HeartbeatInterval
	}
	return defaultHeartbeatInterval
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.cfg.HandshakeTimeout > 0 {
		return c.cfg.HandshakeTimeout
	}
	return 15 * time.Second
}

func (c *Client) nextRequestID(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++
	c.requestsSent++
	c.requests[c.requestID] = symbol
	return c.requestID
}

func (c *Client) requestSymbol(id int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests[id]
}

func (c *Client) recordSubscription(symbol string, update func(*subscription)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[symbol]
	if !ok {
		s = &subscription{}
		c.subs[symbol] = s
	}
	update(s)
}

// exchangeFor resolves the routing exchange for a symbol, preferring the
// contract roster over the configured default.
func (c *Client) exchangeFor(symbol string) string {
	if spec, ok := c.contracts.BySymbol(symbol); ok && spec.Exchange != "" {
		return spec.Exchange
	}
	return c.trading.Exchange
}
