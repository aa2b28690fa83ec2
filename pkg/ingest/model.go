package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxSymbolLength is the upper bound on an accepted symbol's length.
const maxSymbolLength = 20

// CandleRecord is the in-memory form of one ingested candle message.
// EventTime, StartTime and Timestamp are normalized to time.Time on
// ingress regardless of whether the wire payload carried them as an
// integer epoch or an ISO-8601 string. StartTime is the canonical
// bucket key at the sink.
type CandleRecord struct {
	EventTime time.Time
	StartTime time.Time
	Timestamp time.Time
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// rawCandleMessage is the wire shape of a candle message: the three
// instant fields are decoded first as json.RawMessage so they can be
// coerced from either representation before the rest of the struct is
// built.
type rawCandleMessage struct {
	EventTime json.RawMessage `json:"event_time"`
	StartTime json.RawMessage `json:"start_time"`
	Timestamp json.RawMessage `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Open      float64         `json:"open_price"`
	High      float64         `json:"high_price"`
	Low       float64         `json:"low_price"`
	Close     float64         `json:"close_price"`
	Volume    float64         `json:"volume"`
}

// ParseCandleRecord decodes a raw source payload into a validated
// CandleRecord. Decode errors and constraint failures are both returned
// wrapped in ErrInvalidMessage; MessageProcessor.ProcessMessage
// distinguishes the two only for metric labeling, not for control flow.
func ParseCandleRecord(raw []byte) (CandleRecord, error) {
	var msg rawCandleMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return CandleRecord{}, fmt.Errorf("%w: decode: %s", ErrInvalidMessage, err)
	}

	eventTime, err := coerceInstant(msg.EventTime)
	if err != nil {
		return CandleRecord{}, fmt.Errorf("%w: event_time: %s", ErrInvalidMessage, err)
	}
	startTime, err := coerceInstant(msg.StartTime)
	if err != nil {
		return CandleRecord{}, fmt.Errorf("%w: start_time: %s", ErrInvalidMessage, err)
	}
	timestamp, err := coerceInstant(msg.Timestamp)
	if err != nil {
		return CandleRecord{}, fmt.Errorf("%w: timestamp: %s", ErrInvalidMessage, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))
	if symbol == "" || len(symbol) > maxSymbolLength {
		return CandleRecord{}, fmt.Errorf("%w: symbol must be non-empty and at most %d characters", ErrInvalidMessage, maxSymbolLength)
	}

	for field, v := range map[string]float64{
		"open_price": msg.Open, "high_price": msg.High,
		"low_price": msg.Low, "close_price": msg.Close, "volume": msg.Volume,
	} {
		if v < 0 {
			return CandleRecord{}, fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidMessage, field, v)
		}
	}

	return CandleRecord{
		EventTime: eventTime,
		StartTime: startTime,
		Timestamp: timestamp,
		Symbol:    symbol,
		Open:      msg.Open,
		High:      msg.High,
		Low:       msg.Low,
		Close:     msg.Close,
		Volume:    msg.Volume,
	}, nil
}

// coerceInstant accepts a JSON integer (seconds since epoch) or a JSON
// string (ISO-8601/RFC3339) and normalizes it to a single instant type.
func coerceInstant(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp string: %w", err)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05", s)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid datetime string %q: %w", s, err)
			}
		}
		return t, nil
	}

	// Integer seconds-since-epoch. Accept it either as a JSON number or
	// (defensively) as a numeric string without quotes.
	seconds, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp value %q: %w", trimmed, err)
	}
	return time.Unix(seconds, 0).UTC(), nil
}
