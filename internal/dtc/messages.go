package dtc

import (
	"fmt"
	"strings"
	"time"

	"miaflow/models"
)

// ProtocolVersion is the DTC encoding revision sent in every logon.
const ProtocolVersion = 8

// Message type codes used by the host. Outbound and inbound share the
// numbering space.
const (
	TypeLogonRequest         = 1
	TypeLogonResponse        = 2
	TypeHeartbeat            = 3
	TypeLogoff               = 5
	TypeMarketDataRequest    = 101
	TypeMarketDepthRequest   = 102
	TypeMarketDataReject     = 103
	TypeMarketDataUpdate     = 107
	TypeMarketDepthSnapshot  = 122
	TypeCancelOrder          = 203
	TypeSubmitNewSingleOrder = 208
	TypeOrderUpdate          = 301
	TypePositionUpdate       = 306
)

const (
	clientName      = "MIA_IA_TRADER"
	generalTextData = "MIA_IA_SYSTEM"
	orderIDPrefix   = "MIA_"

	defaultTimeInForce = "DAY"

	// Depth snapshots carry a fixed ten-level ladder per side.
	depthWireLevels = 10
)

// BuySell wire codes.
const (
	BuySellBuy  = 1
	BuySellSell = 2
)

// OrderType wire codes.
const (
	OrderTypeMarket    = 1
	OrderTypeLimit     = 2
	OrderTypeStop      = 3
	OrderTypeStopLimit = 4
)

// OrderStatus wire codes reported in order updates.
const (
	OrderStatusUnspecified          = 0
	OrderStatusOrderSent            = 1
	OrderStatusPendingOpen          = 2
	OrderStatusPendingChild         = 3
	OrderStatusOpen                 = 4
	OrderStatusPendingCancelReplace = 5
	OrderStatusPendingCancel        = 6
	OrderStatusFilled               = 7
	OrderStatusCanceled             = 8
	OrderStatusRejected             = 9
	OrderStatusPartiallyFilled      = 10
)

var orderStatusNames = map[int]string{
	OrderStatusUnspecified:          "UNSPECIFIED",
	OrderStatusOrderSent:            "SENT",
	OrderStatusPendingOpen:          "PENDING_OPEN",
	OrderStatusPendingChild:         "PENDING_CHILD",
	OrderStatusOpen:                 "OPEN",
	OrderStatusPendingCancelReplace: "PENDING_CANCEL_REPLACE",
	OrderStatusPendingCancel:        "PENDING_CANCEL",
	OrderStatusFilled:               "FILLED",
	OrderStatusCanceled:             "CANCELED",
	OrderStatusRejected:             "REJECTED",
	OrderStatusPartiallyFilled:      "PARTIALLY_FILLED",
}

// OrderStatusName maps a wire status code to its report label.
func OrderStatusName(code int) string {
	if name, ok := orderStatusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", code)
}

// buySellCode normalizes a side label to its wire code.
func buySellCode(side string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "BUY":
		return BuySellBuy, nil
	case "SELL":
		return BuySellSell, nil
	default:
		return 0, fmt.Errorf("invalid order side %q", side)
	}
}

// orderTypeCode normalizes an order-type label to its wire code.
func orderTypeCode(orderType string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(orderType)) {
	case "", "MARKET":
		return OrderTypeMarket, nil
	case "LIMIT":
		return OrderTypeLimit, nil
	case "STOP":
		return OrderTypeStop, nil
	case "STOP_LIMIT", "STOPLIMIT":
		return OrderTypeStopLimit, nil
	default:
		return 0, fmt.Errorf("invalid order type %q", orderType)
	}
}

// clientOrderID derives the order tag the host echoes back in fills.
func clientOrderID(requestID int) string {
	return fmt.Sprintf("%s%d", orderIDPrefix, requestID)
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// OUTBOUND ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// LogonRequest opens a session. The host answers with exactly one
// LogonResponse before any other traffic.
type LogonRequest struct {
	Type                       int    `json:"Type"`
	ProtocolVersion            int    `json:"ProtocolVersion"`
	Username                   string `json:"Username"`
	Password                   string `json:"Password"`
	GeneralTextData            string `json:"GeneralTextData"`
	ClientName                 string `json:"ClientName"`
	HeartbeatIntervalInSeconds int    `json:"HeartbeatIntervalInSeconds"`
}

func newLogonRequest(username, password string, heartbeatSeconds int) LogonRequest {
	return LogonRequest{
		Type:                       TypeLogonRequest,
		ProtocolVersion:            ProtocolVersion,
		Username:                   username,
		Password:                   password,
		GeneralTextData:            generalTextData,
		ClientName:                 clientName,
		HeartbeatIntervalInSeconds: heartbeatSeconds,
	}
}

// Heartbeat is the keepalive sent on the session interval.
type Heartbeat struct {
	Type int `json:"Type"`
}

// Logoff announces an orderly close to the host.
type Logoff struct {
	Type   int    `json:"Type"`
	Reason string `json:"Reason,omitempty"`
}

// MarketDataRequest subscribes a symbol to Level-1 updates.
type MarketDataRequest struct {
	Type      int    `json:"Type"`
	RequestID int    `json:"RequestID"`
	Symbol    string `json:"Symbol"`
	Exchange  string `json:"Exchange"`
}

// MarketDepthRequest subscribes a symbol to book snapshots.
type MarketDepthRequest struct {
	Type      int    `json:"Type"`
	RequestID int    `json:"RequestID"`
	Symbol    string `json:"Symbol"`
	Exchange  string `json:"Exchange"`
	NumLevels int    `json:"NumLevels"`
}

// SubmitNewSingleOrder places one order. Price1 stays 0 for market orders.
type SubmitNewSingleOrder struct {
	Type          int     `json:"Type"`
	RequestID     int     `json:"RequestID"`
	ClientOrderID string  `json:"ClientOrderID"`
	Symbol        string  `json:"Symbol"`
	Exchange      string  `json:"Exchange"`
	TradeAccount  string  `json:"TradeAccount,omitempty"`
	OrderType     int     `json:"OrderType"`
	BuySell       int     `json:"BuySell"`
	OrderQuantity float64 `json:"OrderQuantity"`
	Price1        float64 `json:"Price1"`
	TimeInForce   string  `json:"TimeInForce"`
}

// CancelOrder asks the host to pull a working order by its client tag.
type CancelOrder struct {
	Type          int    `json:"Type"`
	RequestID     int    `json:"RequestID"`
	ClientOrderID string `json:"ClientOrderID"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// INBOUND /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// LogonResponse is the handshake verdict. Result 1 means accepted.
type LogonResponse struct {
	Result     int
	ResultText string
}

// LogonSuccess is the Result value of an accepted logon.
const LogonSuccess = 1

func ParseLogonResponse(m Message) LogonResponse {
	return LogonResponse{
		Result:     int(m.I64("Result")),
		ResultText: m.Str("ResultText"),
	}
}

// MarketDataUpdate is one Level-1 tick. Timestamp is zero when the host
// did not stamp the frame.
type MarketDataUpdate struct {
	Symbol    string
	Last      float64
	LastSize  float64
	Bid       float64
	Ask       float64
	Volume    float64
	Timestamp time.Time
}

func ParseMarketData(m Message) *MarketDataUpdate {
	u := &MarketDataUpdate{
		Symbol:   m.Str("Symbol"),
		Last:     m.F64("Last"),
		LastSize: m.F64("LastSize"),
		Bid:      m.F64("Bid"),
		Ask:      m.F64("Ask"),
		Volume:   m.F64("Volume"),
	}
	if m.Has("Timestamp") {
		ts := m.F64("Timestamp")
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * float64(time.Second))
		u.Timestamp = time.Unix(sec, nsec).UTC()
	}
	return u
}

// DepthSnapshot is one parsed book snapshot. Levels with a zero price or
// zero size are dropped; both sides keep wire order (best first).
type DepthSnapshot struct {
	Symbol string
	Bids   []models.PriceLevel
	Asks   []models.PriceLevel
}

func ParseDepth(m Message) *DepthSnapshot {
	snap := &DepthSnapshot{Symbol: m.Str("Symbol")}
	for i := 0; i < depthWireLevels; i++ {
		price := m.F64(fmt.Sprintf("BidPrice%d", i))
		size := m.F64(fmt.Sprintf("BidSize%d", i))
		if price != 0 && size != 0 {
			snap.Bids = append(snap.Bids, models.PriceLevel{Price: price, Size: size})
		}
		price = m.F64(fmt.Sprintf("AskPrice%d", i))
		size = m.F64(fmt.Sprintf("AskSize%d", i))
		if price != 0 && size != 0 {
			snap.Asks = append(snap.Asks, models.PriceLevel{Price: price, Size: size})
		}
	}
	return snap
}

// OrderUpdate is one execution report in wire terms. The facade normalizes
// it for callbacks.
type OrderUpdate struct {
	ClientOrderID  string
	Symbol         string
	OrderStatus    int
	UpdateReason   int
	InfoText       string
	FilledQuantity float64
	AvgFillPrice   float64
}

// StatusName returns the report label for the wire status code.
func (u *OrderUpdate) StatusName() string {
	return OrderStatusName(u.OrderStatus)
}

func ParseOrderUpdate(m Message) *OrderUpdate {
	return &OrderUpdate{
		ClientOrderID:  m.Str("ClientOrderID"),
		Symbol:         m.Str("Symbol"),
		OrderStatus:    int(m.I64("OrderStatus")),
		UpdateReason:   int(m.I64("OrderUpdateReason")),
		InfoText:       m.Str("InfoText"),
		FilledQuantity: m.F64("FilledQuantity"),
		AvgFillPrice:   m.F64("AvgFillPrice"),
	}
}

// PositionUpdate is one account position report.
type PositionUpdate struct {
	Symbol       string
	Quantity     float64
	AveragePrice float64
}

func ParsePositionUpdate(m Message) *PositionUpdate {
	return &PositionUpdate{
		Symbol:       m.Str("Symbol"),
		Quantity:     m.F64("Quantity"),
		AveragePrice: m.F64("AveragePrice"),
	}
}

// Reject reports a refused market-data request.
type Reject struct {
	RequestID int
	Text      string
}

func ParseReject(m Message) *Reject {
	return &Reject{
		RequestID: int(m.I64("RequestID")),
		Text:      m.Str("RejectText"),
	}
}
