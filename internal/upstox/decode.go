package upstox

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the MarketDataFeed V3 messages that are read here.
const (
	feedResponseType      protowire.Number = 1
	feedResponseFeeds     protowire.Number = 2
	feedResponseCurrentTS protowire.Number = 3

	mapEntryKey   protowire.Number = 1
	mapEntryValue protowire.Number = 2

	feedLTPC          protowire.Number = 1
	feedFullFeed      protowire.Number = 2
	feedFirstLevelGrk protowire.Number = 3

	fullFeedMarket protowire.Number = 1
	fullFeedIndex  protowire.Number = 2

	marketFFLTPC protowire.Number = 1
	marketFFOHLC protowire.Number = 4

	indexFFLTPC protowire.Number = 1
	indexFFOHLC protowire.Number = 2

	greeksLTPC protowire.Number = 1

	ltpcLTP protowire.Number = 1
	ltpcLTT protowire.Number = 2
	ltpcLTQ protowire.Number = 3
	ltpcCP  protowire.Number = 4

	marketOHLCEntries protowire.Number = 1

	ohlcInterval protowire.Number = 1
	ohlcOpen     protowire.Number = 2
	ohlcHigh     protowire.Number = 3
	ohlcLow      protowire.Number = 4
	ohlcClose    protowire.Number = 5
)

var (
	// ErrUnsupportedVariant marks an entry whose feed variant is not decoded.
	ErrUnsupportedVariant = errors.New("unsupported feed variant")
	// ErrIncompleteEntry marks an entry missing the fields its variant needs.
	ErrIncompleteEntry = errors.New("incomplete feed entry")
)

// FeedType is the envelope level frame type.
type FeedType int

const (
	FeedTypeInitial FeedType = iota
	FeedTypeLive
	FeedTypeMarketInfo
)

// Frame is one inbound socket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// NoticeKind classifies text frames.
type NoticeKind int

const (
	NoticeOther NoticeKind = iota
	NoticeAck
	NoticeError
)

// Notice is a diagnostic text frame. Notices never produce ticks.
type Notice struct {
	Kind    NoticeKind
	Raw     string
	Payload map[string]any
}

// EntryError records why one instrument of a frame was skipped.
type EntryError struct {
	InstrumentKey string
	Err           error
}

// Decoded is the result of decoding one frame.
type Decoded struct {
	FeedType  FeedType
	CurrentTS int64
	Ticks     Ticks
	Skipped   []EntryError
	Notice    *Notice
}

// Decoder turns inbound frames into ticks.
type Decoder struct {
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// Decode never fails because of a single bad entry; such entries are
// listed in Skipped. A non-nil error means the envelope itself was broken
// and Ticks holds whatever was decoded before the break.
func (d *Decoder) Decode(f Frame) (Decoded, error) {
	if !f.Binary {
		return decodeText(f.Data)
	}

	out := Decoded{Ticks: Ticks{}}
	received := d.now()
	err := eachField(f.Data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case feedResponseType:
			v, err := asInt64(num, typ, val)
			if err != nil {
				return err
			}
			out.FeedType = FeedType(v)
		case feedResponseCurrentTS:
			v, err := asInt64(num, typ, val)
			if err != nil {
				return err
			}
			out.CurrentTS = v
		case feedResponseFeeds:
			entry, err := asBytes(num, typ, val)
			if err != nil {
				return err
			}
			key, tick, err := decodeEntry(entry)
			if err != nil {
				out.Skipped = append(out.Skipped, EntryError{InstrumentKey: key, Err: err})
				return nil
			}
			tick.ReceivedAt = received
			out.Ticks[key] = tick
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("decode feed response: %w", err)
	}
	return out, nil
}

func decodeText(data []byte) (Decoded, error) {
	raw := string(data)
	notice := &Notice{Kind: NoticeOther, Raw: raw}
	out := Decoded{Notice: notice}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return out, fmt.Errorf("decode text frame: %w", err)
	}
	notice.Payload = payload
	switch {
	case strings.Contains(strings.ToLower(raw), "subscription"):
		notice.Kind = NoticeAck
	case payload["error"] != nil:
		notice.Kind = NoticeError
	}
	return out, nil
}

// decodeEntry decodes one feeds map entry. The key is returned even on
// failure when it could be read.
func decodeEntry(b []byte) (string, Tick, error) {
	var key string
	var feed []byte
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		var err error
		switch num {
		case mapEntryKey:
			key, err = asString(num, typ, val)
		case mapEntryValue:
			feed, err = asBytes(num, typ, val)
		}
		return err
	})
	if err != nil {
		return key, Tick{}, err
	}

	kind, payload, err := classifyFeed(feed)
	if err != nil {
		return key, Tick{}, err
	}
	decode, ok := variantDecoders[kind]
	if !ok {
		return key, Tick{}, ErrUnsupportedVariant
	}
	tick, err := decode(payload)
	if err != nil {
		return key, Tick{}, fmt.Errorf("%s: %w", kind, err)
	}
	tick.InstrumentKey = key
	tick.Kind = kind
	return key, tick, nil
}

// classifyFeed resolves the Feed oneof. The last variant on the wire wins.
func classifyFeed(b []byte) (FeedKind, []byte, error) {
	kind := FeedUnknown
	var payload []byte
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case feedLTPC, feedFirstLevelGrk:
			v, err := asBytes(num, typ, val)
			if err != nil {
				return err
			}
			kind, payload = FeedLTPC, v
			if num == feedFirstLevelGrk {
				kind = FeedFirstLevelGreeks
			}
		case feedFullFeed:
			v, err := asBytes(num, typ, val)
			if err != nil {
				return err
			}
			k, inner, err := classifyFullFeed(v)
			if err != nil {
				return err
			}
			kind, payload = k, inner
		}
		return nil
	})
	return kind, payload, err
}

func classifyFullFeed(b []byte) (FeedKind, []byte, error) {
	kind := FeedUnknown
	var payload []byte
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != fullFeedMarket && num != fullFeedIndex {
			return nil
		}
		v, err := asBytes(num, typ, val)
		if err != nil {
			return err
		}
		payload = v
		kind = FeedMarketFull
		if num == fullFeedIndex {
			kind = FeedIndexFull
		}
		return nil
	})
	return kind, payload, err
}

var variantDecoders = map[FeedKind]func([]byte) (Tick, error){
	FeedLTPC:             decodeLTPCVariant,
	FeedMarketFull:       decodeMarketFullVariant,
	FeedIndexFull:        decodeIndexFullVariant,
	FeedFirstLevelGreeks: decodeGreeksVariant,
}

type ltpc struct {
	ltp   float64
	ltt   int64
	ltq   int64
	cp    float64
	hasCP bool
}

type ohlc struct {
	interval string
	open     float64
	high     float64
	low      float64
	close    float64
}

func decodeLTPCVariant(b []byte) (Tick, error) {
	p, err := decodeLTPC(b)
	if err != nil {
		return Tick{}, err
	}
	return tickFromLTPC(p), nil
}

func decodeMarketFullVariant(b []byte) (Tick, error) {
	return decodeFullVariant(b, marketFFLTPC, marketFFOHLC, true)
}

func decodeIndexFullVariant(b []byte) (Tick, error) {
	return decodeFullVariant(b, indexFFLTPC, indexFFOHLC, false)
}

// decodeFullVariant handles the two full feed shapes, which only differ in
// field numbers. Market feeds without a traded price are skipped.
func decodeFullVariant(b []byte, ltpcField, ohlcField protowire.Number, requireTrade bool) (Tick, error) {
	var (
		price   *ltpc
		candles *ohlc
	)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case ltpcField:
			v, err := asBytes(num, typ, val)
			if err != nil {
				return err
			}
			p, err := decodeLTPC(v)
			if err != nil {
				return err
			}
			price = &p
		case ohlcField:
			v, err := asBytes(num, typ, val)
			if err != nil {
				return err
			}
			c, err := decodeFirstOHLC(v)
			if err != nil {
				return err
			}
			candles = c
		}
		return nil
	})
	if err != nil {
		return Tick{}, err
	}
	if price == nil || (requireTrade && price.ltp == 0) {
		return Tick{}, ErrIncompleteEntry
	}

	tick := tickFromLTPC(*price)
	if candles != nil {
		tick.Open = roundedPtr(candles.open)
		tick.High = roundedPtr(candles.high)
		tick.Low = roundedPtr(candles.low)
		tick.Close = roundedPtr(candles.close)
	}
	return tick, nil
}

func decodeGreeksVariant(b []byte) (Tick, error) {
	var price *ltpc
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != greeksLTPC {
			return nil
		}
		v, err := asBytes(num, typ, val)
		if err != nil {
			return err
		}
		p, err := decodeLTPC(v)
		if err != nil {
			return err
		}
		price = &p
		return nil
	})
	if err != nil {
		return Tick{}, err
	}
	if price == nil {
		return Tick{}, ErrIncompleteEntry
	}
	return tickFromLTPC(*price), nil
}

func tickFromLTPC(p ltpc) Tick {
	t := Tick{LastTradedPrice: Round2(p.ltp), LastTradedAt: p.ltt}
	if p.hasCP {
		t.ClosePrice = roundedPtr(p.cp)
	}
	return t
}

func decodeLTPC(b []byte) (ltpc, error) {
	var p ltpc
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		var err error
		switch num {
		case ltpcLTP:
			p.ltp, err = asDouble(num, typ, val)
		case ltpcLTT:
			p.ltt, err = asInt64(num, typ, val)
		case ltpcLTQ:
			p.ltq, err = asInt64(num, typ, val)
		case ltpcCP:
			p.cp, err = asDouble(num, typ, val)
			p.hasCP = err == nil
		}
		return err
	})
	if err != nil {
		return ltpc{}, err
	}
	if !finite(p.ltp) || !finite(p.cp) {
		return ltpc{}, fmt.Errorf("ltpc: non-finite price")
	}
	return p, nil
}

// decodeFirstOHLC returns the first candle of a MarketOHLC message, or nil
// when the message has none.
func decodeFirstOHLC(b []byte) (*ohlc, error) {
	var first *ohlc
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != marketOHLCEntries || first != nil {
			return nil
		}
		v, err := asBytes(num, typ, val)
		if err != nil {
			return err
		}
		c, err := decodeOHLC(v)
		if err != nil {
			return err
		}
		first = &c
		return nil
	})
	return first, err
}

func decodeOHLC(b []byte) (ohlc, error) {
	var c ohlc
	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		var err error
		switch num {
		case ohlcInterval:
			c.interval, err = asString(num, typ, val)
		case ohlcOpen:
			c.open, err = asDouble(num, typ, val)
		case ohlcHigh:
			c.high, err = asDouble(num, typ, val)
		case ohlcLow:
			c.low, err = asDouble(num, typ, val)
		case ohlcClose:
			c.close, err = asDouble(num, typ, val)
		}
		return err
	})
	if err != nil {
		return ohlc{}, err
	}
	if !finite(c.open) || !finite(c.high) || !finite(c.low) || !finite(c.close) {
		return ohlc{}, fmt.Errorf("ohlc: non-finite price")
	}
	return c, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
