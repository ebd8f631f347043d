package domain

// Signal is the structured trading intent produced by the external
// interpretation component. It is a closed set of variants; the
// orchestration loop switches over the concrete types and treats any
// unknown variant as a programming error rather than letting it fall
// through silently.
type Signal interface {
	Kind() SignalKind
}

// SignalKind tags the signal variant for logging and wire encoding.
type SignalKind string

const (
	KindNew    SignalKind = "NEW"
	KindModify SignalKind = "MODIFY"
	KindClose  SignalKind = "CLOSE"
	KindNoise  SignalKind = "NOISE"
)

// TradeRef carries whatever identifying material a follow-up signal has:
// an explicit broker ticket, a free-text hint ("gold", "the first EURUSD
// trade"), and/or a side. All fields are optional; correlation decides
// what they resolve to.
type TradeRef struct {
	Ticket int64
	Hint   string
	Side   OrderSide
}

// IsEmpty reports whether the reference carries nothing to match on.
func (r TradeRef) IsEmpty() bool {
	return r.Ticket == 0 && r.Hint == "" && r.Side == ""
}

// NewSignal asks for a fresh market position.
type NewSignal struct {
	Symbol     string
	Side       OrderSide
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Lot        float64 // requested volume; 0 means unspecified
	Confidence float64
	Reasoning  string
}

func (NewSignal) Kind() SignalKind { return KindNew }

// ModifySignal adjusts stop loss and/or take profit on a tracked trade.
type ModifySignal struct {
	Ref   TradeRef
	NewSL *float64
	NewTP *float64
}

func (ModifySignal) Kind() SignalKind { return KindModify }

// CloseSignal closes part or all of a tracked trade. Percent 100 is a
// full close.
type CloseSignal struct {
	Ref     TradeRef
	Percent float64
}

func (CloseSignal) Kind() SignalKind { return KindClose }

// NoSignal is interpreter output that carried no trading meaning. It is
// dropped without touching the registry.
type NoSignal struct {
	Reason string
}

func (NoSignal) Kind() SignalKind { return KindNoise }
