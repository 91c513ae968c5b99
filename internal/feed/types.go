package feed

// TradeEvent is one decoded trade frame from the upstream feed.
// Bonding-curve fields pass through unchanged; the evaluator only reads
// MarketCapSol, TraderPublicKey and NewTokenBalance.
type TradeEvent struct {
	Signature             string  `json:"signature"`
	Mint                  string  `json:"mint"`
	TraderPublicKey       string  `json:"traderPublicKey"`
	TxType                string  `json:"txType"` // "buy" or "sell"
	TokenAmount           float64 `json:"tokenAmount"`
	SolAmount             float64 `json:"solAmount"`
	NewTokenBalance       float64 `json:"newTokenBalance"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	MarketCapSol          float64 `json:"marketCapSol"`
	Pool                  string  `json:"pool"`
}

// IsBuy reports whether the trade is a buy.
func (e *TradeEvent) IsBuy() bool {
	return e.TxType == "buy"
}

// IsSell reports whether the trade is a sell.
func (e *TradeEvent) IsSell() bool {
	return e.TxType == "sell"
}

// controlFrame is the outbound subscription control message.
type controlFrame struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys"`
}

const (
	methodSubscribe   = "subscribeTokenTrade"
	methodUnsubscribe = "unsubscribeTokenTrade"
)

// ConnState tracks the client's connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Stats is a snapshot of client counters.
type Stats struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	Reconnects    int64  `json:"reconnects"`
	Delivered     int64  `json:"delivered"`
	Dropped       int64  `json:"dropped"`
	DecodeErrors  int64  `json:"decode_errors"`
}
