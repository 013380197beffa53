package dtc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"miaflow/config"
	"miaflow/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHost is a minimal Sierra stand-in: it answers logons and records every
// frame the client sends.
type fakeHost struct {
	ln     net.Listener
	frames chan Message

	mu          sync.Mutex
	conns       []net.Conn
	logonResult int

	wg sync.WaitGroup
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &fakeHost{ln: ln, frames: make(chan Message, 128), logonResult: LogonSuccess}
	h.wg.Add(1)
	go h.acceptLoop()
	return h
}

func (h *fakeHost) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		h.wg.Add(1)
		go h.serve(conn)
	}
}

func (h *fakeHost) serve(conn net.Conn) {
	defer h.wg.Done()
	dec := NewDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		if msg.Type() == TypeLogonRequest {
			h.mu.Lock()
			result := h.logonResult
			h.mu.Unlock()
			h.writeTo(conn, map[string]any{"Type": TypeLogonResponse, "Result": result, "ResultText": "simulated"})
		}
		select {
		case h.frames <- msg:
		default:
		}
	}
}

func (h *fakeHost) writeTo(conn net.Conn, v any) {
	frame, err := Encode(v)
	if err != nil {
		return
	}
	_, _ = conn.Write(frame)
}

// broadcast pushes a message to the most recent connection.
func (h *fakeHost) broadcast(v any) {
	if conn := h.latestConn(); conn != nil {
		h.writeTo(conn, v)
	}
}

func (h *fakeHost) latestConn() net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

func (h *fakeHost) setLogonResult(result int) {
	h.mu.Lock()
	h.logonResult = result
	h.mu.Unlock()
}

// dropConnections closes every open connection, simulating a host-side drop.
func (h *fakeHost) dropConnections() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (h *fakeHost) close() {
	h.ln.Close()
	h.dropConnections()
	h.wg.Wait()
}

// await reads host-received frames until one of the wanted type arrives.
func (h *fakeHost) await(t *testing.T, typ int) Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.frames:
			if msg.Type() == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("no frame of type %d received", typ)
			return nil
		}
	}
}

func (h *fakeHost) addr() string {
	return h.ln.Addr().String()
}

func testClientConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Sierra = config.SierraConfig{
		Host:                    host,
		Port:                    port,
		Username:                "trader",
		Password:                "secret",
		HeartbeatInterval:       50 * time.Millisecond,
		ConnectTimeout:          time.Second,
		HandshakeTimeout:        time.Second,
		MaxReconnectionAttempts: 3,
		ReconnectionBackoff:     20 * time.Millisecond,
		RequestsPerSecond:       500,
		RequestBurst:            1000,
	}
	cfg.Trading = config.TradingConfig{Exchange: "CME", TradeAccount: "SIM1"}
	return cfg
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	return NewClient(testClientConfig(t, addr), nil, logger.GetLogger())
}

func TestClientConnectAndHeartbeat(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StatusConnected, client.Status())
	assert.True(t, client.IsConnected())
	assert.NotEmpty(t, client.SessionID())
	assert.False(t, client.LastHeartbeat().IsZero())

	logon := host.await(t, TypeLogonRequest)
	assert.Equal(t, "trader", logon.Str("Username"))
	assert.Equal(t, "secret", logon.Str("Password"))
	assert.Equal(t, "MIA_IA_TRADER", logon.Str("ClientName"))
	assert.Equal(t, "MIA_IA_SYSTEM", logon.Str("GeneralTextData"))
	assert.EqualValues(t, ProtocolVersion, logon.I64("ProtocolVersion"))

	host.await(t, TypeHeartbeat)

	before := client.LastHeartbeat()
	host.broadcast(Heartbeat{Type: TypeHeartbeat})
	require.Eventually(t, func() bool {
		return client.LastHeartbeat().After(before)
	}, 2*time.Second, 10*time.Millisecond)

	client.Disconnect()
	assert.Equal(t, StatusDisconnected, client.Status())
	host.await(t, TypeLogoff)
}

func TestClientConnectRejectedLogon(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()
	host.setLogonResult(2)

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	err := client.Connect(context.Background())
	require.Error(t, err)

	var herr *HandshakeError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 2, herr.Result)
	assert.Equal(t, StatusError, client.Status())
}

func TestClientConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := newTestClient(t, addr)
	defer client.Disconnect()

	require.Error(t, client.Connect(context.Background()))
	assert.Equal(t, StatusError, client.Status())
}

func TestClientConnectWhileActive(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	require.ErrorIs(t, client.Connect(context.Background()), ErrSessionActive)
}

func TestClientRequestsRequireConnection(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")

	require.ErrorIs(t, client.RequestMarketData("ESU26"), ErrNotConnected)
	require.ErrorIs(t, client.RequestMarketDepth("ESU26", 10), ErrNotConnected)
	require.ErrorIs(t, client.CancelOrder("MIA_1"), ErrNotConnected)

	_, err := client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "BUY", Quantity: 1})
	require.ErrorIs(t, err, ErrNotConnected)

	require.ErrorIs(t, client.SendHeartbeat(), ErrNotConnected)
}

func TestClientSubmitOrderValidation(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")

	_, err := client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "HOLD", Quantity: 1})
	assert.Error(t, err)

	_, err = client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "BUY", Quantity: 1, OrderType: "ICEBERG"})
	assert.Error(t, err)

	_, err = client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "BUY", Quantity: 0})
	assert.Error(t, err)

	_, err = client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "BUY", Quantity: 1, OrderType: "LIMIT"})
	assert.Error(t, err)
}

func TestClientMarketDataDispatch(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	ticks := make(chan *MarketDataUpdate, 1)
	depths := make(chan *DepthSnapshot, 1)
	client.SetHandlers(Handlers{
		OnMarketData:  func(u *MarketDataUpdate) { ticks <- u },
		OnMarketDepth: func(s *DepthSnapshot) { depths <- s },
	})

	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.RequestMarketData("ESU26"))
	sub := host.await(t, TypeMarketDataRequest)
	assert.Equal(t, "ESU26", sub.Str("Symbol"))
	assert.Equal(t, "CME", sub.Str("Exchange"))
	assert.NotZero(t, sub.I64("RequestID"))

	require.NoError(t, client.RequestMarketDepth("ESU26", 5))
	depthSub := host.await(t, TypeMarketDepthRequest)
	assert.EqualValues(t, 5, depthSub.I64("NumLevels"))

	host.broadcast(map[string]any{
		"Type": TypeMarketDataUpdate, "Symbol": "ESU26",
		"Last": 5002.25, "LastSize": 3, "Bid": 5002.0, "Ask": 5002.25, "Volume": 1200,
	})
	select {
	case tick := <-ticks:
		assert.Equal(t, "ESU26", tick.Symbol)
		assert.Equal(t, 5002.25, tick.Last)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick dispatched")
	}

	host.broadcast(map[string]any{
		"Type": TypeMarketDepthSnapshot, "Symbol": "ESU26",
		"BidPrice0": 5001.75, "BidSize0": 12,
		"AskPrice0": 5002.0, "AskSize0": 10,
	})
	select {
	case snap := <-depths:
		require.Len(t, snap.Bids, 1)
		require.Len(t, snap.Asks, 1)
		assert.Equal(t, 5001.75, snap.Bids[0].Price)
	case <-time.After(5 * time.Second):
		t.Fatal("no depth snapshot dispatched")
	}

	assert.Equal(t, []string{"ESU26"}, client.Subscriptions())
}

func TestClientSubmitAndCancelOrder(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	updates := make(chan *OrderUpdate, 1)
	client.SetHandlers(Handlers{OnOrderUpdate: func(u *OrderUpdate) { updates <- u }})

	require.NoError(t, client.Connect(context.Background()))

	orderID, err := client.SubmitOrder(OrderRequest{Symbol: "ESU26", Side: "BUY", Quantity: 2})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(orderID, "MIA_"))

	order := host.await(t, TypeSubmitNewSingleOrder)
	assert.Equal(t, orderID, order.Str("ClientOrderID"))
	assert.EqualValues(t, BuySellBuy, order.I64("BuySell"))
	assert.EqualValues(t, OrderTypeMarket, order.I64("OrderType"))
	assert.Equal(t, 0.0, order.F64("Price1"))
	assert.Equal(t, 2.0, order.F64("OrderQuantity"))
	assert.Equal(t, "DAY", order.Str("TimeInForce"))
	assert.Equal(t, "SIM1", order.Str("TradeAccount"))

	limitID, err := client.SubmitOrder(OrderRequest{
		Symbol: "ESU26", Side: "SELL", Quantity: 1, OrderType: "LIMIT", Price: 5010.50,
	})
	require.NoError(t, err)
	limit := host.await(t, TypeSubmitNewSingleOrder)
	assert.EqualValues(t, OrderTypeLimit, limit.I64("OrderType"))
	assert.Equal(t, 5010.50, limit.F64("Price1"))
	assert.NotEqual(t, orderID, limitID)

	host.broadcast(map[string]any{
		"Type": TypeOrderUpdate, "ClientOrderID": orderID, "Symbol": "ESU26",
		"OrderStatus": OrderStatusFilled, "FilledQuantity": 2, "AvgFillPrice": 5002.25,
	})
	select {
	case update := <-updates:
		assert.Equal(t, orderID, update.ClientOrderID)
		assert.Equal(t, "FILLED", update.StatusName())
	case <-time.After(5 * time.Second):
		t.Fatal("no order update dispatched")
	}

	require.NoError(t, client.CancelOrder(orderID))
	cancel := host.await(t, TypeCancelOrder)
	assert.Equal(t, orderID, cancel.Str("ClientOrderID"))
}

func TestClientReconnectAndResubscribe(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.RequestMarketData("ESU26"))
	host.await(t, TypeMarketDataRequest)

	host.dropConnections()

	require.Eventually(t, func() bool {
		return client.Status() == StatusConnected && client.Reconnections() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the recorded subscription is replayed on the new connection
	resub := host.await(t, TypeMarketDataRequest)
	assert.Equal(t, "ESU26", resub.Str("Symbol"))
}

func TestClientReconnectExhausted(t *testing.T) {
	host := newFakeHost(t)

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	// take the host away entirely so every attempt fails
	host.close()

	require.Eventually(t, func() bool {
		return client.Status() == StatusError
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, client.Reconnections())

	require.ErrorIs(t, client.RequestMarketData("NQU26"), ErrNotConnected)
}

func TestClientReconnectTriggerWhileReconnecting(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")

	client.mu.Lock()
	client.status = StatusReconnecting
	client.reconnections = 1
	client.mu.Unlock()

	// a second trigger while a procedure is already running must not start
	// another loop or move the counter
	client.scheduleReconnect()

	assert.Equal(t, StatusReconnecting, client.Status())
	assert.EqualValues(t, 1, client.Reconnections())
}

func TestClientSurvivesMalformedInbound(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	ticks := make(chan *MarketDataUpdate, 1)
	client.SetHandlers(Handlers{OnMarketData: func(u *MarketDataUpdate) { ticks <- u }})

	require.NoError(t, client.Connect(context.Background()))

	conn := host.latestConn()
	require.NotNil(t, conn)

	// invalid JSON, then an oversized frame, then a valid tick
	_, err := conn.Write(append([]byte(`{"Type":107,`), 0))
	require.NoError(t, err)

	junk := bytes.Repeat([]byte{'x'}, MaxMessageSize+10)
	_, err = conn.Write(append(junk, 0))
	require.NoError(t, err)

	host.broadcast(map[string]any{"Type": TypeMarketDataUpdate, "Symbol": "ESU26", "Last": 5000.0})

	select {
	case tick := <-ticks:
		assert.Equal(t, "ESU26", tick.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not survive malformed inbound frames")
	}
	assert.Equal(t, StatusConnected, client.Status())
}

func TestClientDisconnectIdempotent(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()

	client := newTestClient(t, host.addr())
	require.NoError(t, client.Connect(context.Background()))

	client.Disconnect()
	client.Disconnect()
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Empty(t, client.Subscriptions())
}

func TestClientConnectAfterError(t *testing.T) {
	host := newFakeHost(t)
	defer host.close()
	host.setLogonResult(2)

	client := newTestClient(t, host.addr())
	defer client.Disconnect()

	require.Error(t, client.Connect(context.Background()))
	require.Equal(t, StatusError, client.Status())

	host.setLogonResult(LogonSuccess)
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StatusConnected, client.Status())
}

func TestWaitForReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, waitForReconnect(ctx, time.Minute))

	assert.False(t, waitForReconnect(context.Background(), time.Millisecond))
}

func TestHandshakeErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &HandshakeError{Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")

	rejected := &HandshakeError{Result: 2, Text: "bad credentials"}
	assert.Contains(t, rejected.Error(), "bad credentials")
}
