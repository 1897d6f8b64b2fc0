package upstox

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// FeedKind names the variant a feed entry was decoded from.
type FeedKind int

const (
	FeedUnknown FeedKind = iota
	FeedLTPC
	FeedMarketFull
	FeedIndexFull
	FeedFirstLevelGreeks
)

func (k FeedKind) String() string {
	switch k {
	case FeedLTPC:
		return "ltpc"
	case FeedMarketFull:
		return "market_full"
	case FeedIndexFull:
		return "index_full"
	case FeedFirstLevelGreeks:
		return "first_level_greeks"
	default:
		return "unknown"
	}
}

// Tick is the normalized price update for one instrument. Optional prices
// are nil when the variant did not carry them.
type Tick struct {
	InstrumentKey   string    `json:"-"`
	Kind            FeedKind  `json:"-"`
	LastTradedPrice float64   `json:"ltp"`
	Open            *float64  `json:"open,omitempty"`
	High            *float64  `json:"high,omitempty"`
	Low             *float64  `json:"low,omitempty"`
	Close           *float64  `json:"close,omitempty"`
	ClosePrice      *float64  `json:"cp,omitempty"`
	LastTradedAt    int64     `json:"ltt,omitempty"`
	ReceivedAt      time.Time `json:"-"`
}

// Ticks maps instrument keys to their latest update within one frame.
type Ticks map[string]Tick

// Keys returns the instrument keys in the batch.
func (t Ticks) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}

// Round2 rounds a price to two decimal places, half away from zero.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func roundedPtr(v float64) *float64 {
	r := Round2(v)
	return &r
}
