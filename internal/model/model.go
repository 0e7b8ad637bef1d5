// Package model holds the wire-independent data types shared by every stage
// of the shock-trading pipeline: broker requests/events, the awaiter contract,
// news/bar/signal/position records, and connection status.
package model

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// RequestKind tags an outbound BrokerRequest.
type RequestKind string

const (
	ReqHistBars      RequestKind = "HistBars"
	ReqMktSnapshot   RequestKind = "MktSnapshot"
	ReqStreamQuote   RequestKind = "StreamQuote"
	ReqPlaceOrder    RequestKind = "PlaceOrder"
	ReqCancelOrder   RequestKind = "CancelOrder"
	ReqSubscribeNews RequestKind = "SubscribeNews"
	ReqAccountSummary RequestKind = "AccountSummary"
)

// EventKind tags the variant carried by a BrokerEvent.
type EventKind string

const (
	EvtNewsArticle       EventKind = "NewsArticle"
	EvtTick              EventKind = "Tick"
	EvtHistoricalBar     EventKind = "HistoricalBar"
	EvtHistoricalBarsEnd EventKind = "HistoricalBarsEnd"
	EvtOrderStatus       EventKind = "OrderStatus"
	EvtExecutionReport   EventKind = "ExecutionReport"
	EvtAccountValue      EventKind = "AccountValue"
	EvtError             EventKind = "Error"
	EvtConnectionAck     EventKind = "ConnectionAck"
	EvtConnectionClosed  EventKind = "ConnectionClosed"
)

// BrokerRequest is immutable once submitted to the registry.
type BrokerRequest struct {
	ReqID    uint64
	Kind     RequestKind
	Payload  any
	Deadline time.Time
}

// ErrorClass buckets a vendor error code per the fixed table in §6.
type ErrorClass int

const (
	ErrClassInformational ErrorClass = iota
	ErrClassWarning
	ErrClassTransient
	ErrClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassInformational:
		return "informational"
	case ErrClassWarning:
		return "warning"
	case ErrClassTransient:
		return "transient"
	case ErrClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// informational, transient and fatal vendor error codes, per spec §6.
var (
	informationalCodes = map[int]bool{2104: true, 2106: true, 2108: true, 2158: true}
	transientCodes     = map[int]bool{1100: true, 1102: true, 1300: true}
	fatalCodes         = map[int]bool{200: true, 321: true, 354: true, 504: true}
)

// ClassifyErrorCode applies the fixed vendor error-code table from spec §6.
// Unknown codes are treated as Warning: logged, never resolve an awaiter.
func ClassifyErrorCode(code int) ErrorClass {
	switch {
	case informationalCodes[code]:
		return ErrClassInformational
	case transientCodes[code]:
		return ErrClassTransient
	case fatalCodes[code]:
		return ErrClassFatal
	default:
		return ErrClassWarning
	}
}

// BrokerErr is the payload of an EvtError event.
type BrokerErr struct {
	Code  int
	ReqID uint64
	Msg   string
	Class ErrorClass
}

// OrderState is the terminal/intermediate state reported on an OrderStatus event.
type OrderState string

const (
	OrderSubmitted    OrderState = "Submitted"
	OrderPreSubmitted OrderState = "PreSubmitted"
	OrderFilled       OrderState = "Filled"
	OrderCancelled    OrderState = "Cancelled"
)

// Tick is a single price/size update, optionally flagged as originating from news.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Size      decimal.Decimal
	FromNews  bool
	Timestamp time.Time
}

// NewsArticle is a raw article delivered by the broad-tape news subscription.
type NewsArticle struct {
	ArticleID   string
	ProviderCode string
	Headline    string
	Body        string
	SymbolsHint []string
	PublishedAt time.Time
}

// Bar is one OHLCV candle. CumVolume is the vendor-reported cumulative session
// volume as of this bar's close, needed to derive the in-progress bar's volume
// from a snapshot (spec §4.E step 4).
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CumVolume decimal.Decimal
}

// Snapshot is the current-bar price+volume pair returned by snapshotQuote.
type Snapshot struct {
	Symbol    string
	Price     decimal.Decimal
	CumVolume decimal.Decimal
	AsOf      time.Time
}

// OrderStatus reports the lifecycle of a placed order.
type OrderStatus struct {
	ReqID      uint64
	OrderID    string
	State      OrderState
	FilledQty  int64
	FillPrice  decimal.Decimal
}

// AccountSummary is the subset of account fields the engine consumes.
type AccountSummary struct {
	Equity         decimal.Decimal
	NetLiquidation decimal.Decimal
	Cash           decimal.Decimal
	AsOf           time.Time
}

// BrokerEvent is a tagged variant over the vendor's callback surface.
// ReqID is 0 for unsolicited events; subscription events (news, streamed
// quotes) carry the ReqID of the subscription they belong to.
type BrokerEvent struct {
	ReqID   uint64
	Kind    EventKind
	News    *NewsArticle
	Tick    *Tick
	Bar     *Bar
	Status  *OrderStatus
	Account *AccountSummary
	Err     *BrokerErr
}

// symbolPattern validates a TickerEvent.Symbol per spec §3.
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ValidSymbol reports whether s matches the TickerEvent symbol grammar.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// TickerEvent is the News Stage's output: a single extracted ticker reference.
type TickerEvent struct {
	Symbol      string
	ArticleID   string
	PublishedAt time.Time
	ReceivedAt  time.Time
}

// Direction is the side of a trade signal or position.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// Sign returns +1 for Long, -1 for Short, used by PnL math.
func (d Direction) Sign() int64 {
	if d == Short {
		return -1
	}
	return 1
}

// TradeSignal is immutable once emitted by the Detection Stage.
type TradeSignal struct {
	Symbol          string
	Direction       Direction
	SignalPrice     decimal.Decimal
	StopPrice       decimal.Decimal
	CreatedAt       time.Time
	OriginArticleID string
}

// PositionStatus is the lifecycle state of an owned Position.
type PositionStatus string

const (
	PositionOpen         PositionStatus = "Open"
	PositionClosing      PositionStatus = "Closing"
	PositionClosed       PositionStatus = "Closed"
	PositionStuckClosing PositionStatus = "StuckClosing"
)

// Position is created by the Execution Stage and owned by the Position Supervisor.
type Position struct {
	ID              string
	Symbol          string
	Direction       Direction
	Qty             int64
	EntryPrice      decimal.Decimal
	EntryAt         time.Time
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
	MaxHoldUntil    time.Time
	Status          PositionStatus
	ExitPrice       decimal.Decimal
	ExitAt          time.Time
	PnL             decimal.Decimal
	OriginArticleID string
}

// ComputePnL implements the round-trip law of spec §8:
// pnl = sign(direction) * (exit - entry) * qty, exactly, in fixed decimal.
func ComputePnL(direction Direction, entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	diff := exit.Sub(entry)
	signed := diff.Mul(decimal.NewFromInt(direction.Sign()))
	return signed.Mul(decimal.NewFromInt(qty))
}

// ConnState is a Connection Supervisor state.
type ConnState string

const (
	StateDisconnected ConnState = "Disconnected"
	StateConnecting   ConnState = "Connecting"
	StateSyncing      ConnState = "Syncing"
	StateOperational  ConnState = "Operational"
	StateDegraded     ConnState = "Degraded"
)

// ConnectionStatus is a point-in-time snapshot of the Connection Supervisor.
type ConnectionStatus struct {
	State            ConnState
	Since            time.Time
	LastError        error
	ReconnectAttempt int
}

// Contract describes the tradable instrument, mirroring spec §6's conventions.
type Contract struct {
	Symbol          string
	SecType         string
	Exchange        string
	Currency        string
	PrimaryExchange string
}

// EquityContract builds the standard SMART/USD equity contract from spec §6.
func EquityContract(symbol, primaryExchange string) Contract {
	return Contract{
		Symbol:          symbol,
		SecType:         "STK",
		Exchange:        "SMART",
		Currency:        "USD",
		PrimaryExchange: primaryExchange,
	}
}

// NewsContract builds the broker's broad-tape news contract for a provider code.
func NewsContract(providerCode string) Contract {
	return Contract{
		Symbol:   providerCode + ":" + providerCode + "_ALL",
		SecType:  "NEWS",
		Exchange: providerCode,
	}
}

// OrderSide is the direction of an order submission.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Order is a market order instruction.
type Order struct {
	Side OrderSide
	Qty  int64
}
