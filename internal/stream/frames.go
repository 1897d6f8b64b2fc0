package stream

import (
	"errors"

	"github.com/gorilla/websocket"

	metrics "tickflow/internal/metrics"
	"tickflow/internal/upstox"
	"tickflow/logger"
)

// frameHandler decodes inbound frames and hands non-empty batches to the sink.
type frameHandler struct {
	feed    string
	topic   string
	decoder *upstox.Decoder
	sink    Sink
	log     *logger.Entry
}

func (h *frameHandler) handle(messageType int, data []byte) int {
	logger.IncrementFrame(h.feed, len(data))
	metrics.ObserveFrame(h.feed, frameKind(messageType))

	decoded, err := h.decoder.Decode(upstox.Frame{Binary: messageType == websocket.BinaryMessage, Data: data})
	if err != nil {
		metrics.ObserveDecodeErrors(h.feed, 1)
		h.log.WithError(err).WithFields(logger.Fields{
			"bytes":   len(data),
			"decoded": len(decoded.Ticks),
		}).Warn("failed to decode frame")
	}

	if n := len(decoded.Skipped); n > 0 {
		corrupt := 0
		for _, skipped := range decoded.Skipped {
			if !errors.Is(skipped.Err, upstox.ErrUnsupportedVariant) && !errors.Is(skipped.Err, upstox.ErrIncompleteEntry) {
				corrupt++
			}
			h.log.WithError(skipped.Err).WithField("instrument_key", skipped.InstrumentKey).Debug("skipped feed entry")
		}
		metrics.ObserveDecodeErrors(h.feed, corrupt)
	}

	if notice := decoded.Notice; notice != nil {
		entry := h.log.WithField("notice", notice.Raw)
		switch notice.Kind {
		case upstox.NoticeAck:
			entry.Info("subscription acknowledged")
		case upstox.NoticeError:
			entry.Warn("feed reported an error")
		default:
			entry.Debug("feed notice")
		}
	}

	if len(decoded.Ticks) == 0 || h.sink == nil {
		return 0
	}
	h.sink.Publish(h.topic, decoded.Ticks)
	logger.IncrementTicks(len(decoded.Ticks))
	metrics.ObserveTicks(h.topic, len(decoded.Ticks))
	return len(decoded.Ticks)
}
