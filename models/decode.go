package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DecodeKind tells frame level and row level decode failures apart.
type DecodeKind int

const (
	FrameDecodeError DecodeKind = iota + 1
	RowDecodeError
)

func (k DecodeKind) String() string {
	switch k {
	case FrameDecodeError:
		return "frame decode error"
	case RowDecodeError:
		return "row decode error"
	default:
		return "decode error"
	}
}

// DecodeError is returned by DecodeResponse and Classifier.Classify.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

var (
	// ErrNoShapeMatched means the input fits none of the candidate shapes.
	ErrNoShapeMatched = errors.New("no shape matched")
	// ErrNotObject means the input is not a JSON object.
	ErrNotObject = errors.New("not a json object")
)

// fieldSet is the closed set of keys a shape accepts.
type fieldSet struct {
	required []string
	optional []string
}

func (s fieldSet) known(key string) bool {
	for _, k := range s.required {
		if k == key {
			return true
		}
	}
	for _, k := range s.optional {
		if k == key {
			return true
		}
	}
	return false
}

// check rejects unknown keys (exact match, case sensitive) and missing or
// null required keys.
func (s fieldSet) check(fields map[string]json.RawMessage) error {
	for key := range fields {
		if !s.known(key) {
			return fmt.Errorf("unknown field %q", key)
		}
	}
	for _, key := range s.required {
		v, ok := fields[key]
		if !ok || isNull(v) {
			return fmt.Errorf("missing field %q", key)
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

func objectFields(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type responseShape struct {
	name   string
	fields fieldSet
	decode func(raw []byte) (Response, error)
}

// Tried in order; the first match wins.
var responseShapes = []responseShape{
	{
		name: "info",
		fields: fieldSet{
			required: []string{"info", "version", "timestamp"},
			optional: []string{"docs", "limit", "appName", "heartbeatEnabled"},
		},
		decode: func(raw []byte) (Response, error) {
			var r InfoResponse
			return &r, strictUnmarshal(raw, &r)
		},
	},
	{
		name: "subscribe",
		fields: fieldSet{
			required: []string{"subscribe", "success"},
			optional: []string{"request"},
		},
		decode: func(raw []byte) (Response, error) {
			var r SubscribeResponse
			return &r, strictUnmarshal(raw, &r)
		},
	},
	{
		name: "error",
		fields: fieldSet{
			required: []string{"status", "error", "request"},
			optional: []string{"meta"},
		},
		decode: func(raw []byte) (Response, error) {
			var r ErrorResponse
			return &r, strictUnmarshal(raw, &r)
		},
	},
	{
		name: "table_data",
		fields: fieldSet{
			required: []string{"table", "action", "data"},
			optional: []string{"keys", "types", "foreignKeys", "attributes", "filter"},
		},
		decode: func(raw []byte) (Response, error) {
			var r TableDataResponse
			return &r, strictUnmarshal(raw, &r)
		},
	},
}

// DecodeResponse decodes one inbound text frame. Shapes are tried in the
// order info, subscribe, error, table data.
func DecodeResponse(frame []byte) (Response, error) {
	fields, err := objectFields(frame)
	if err != nil {
		return nil, &DecodeError{Kind: FrameDecodeError, Err: err}
	}

	mismatches := make([]error, 0, len(responseShapes))
	for _, shape := range responseShapes {
		if err := shape.fields.check(fields); err != nil {
			mismatches = append(mismatches, fmt.Errorf("%s: %w", shape.name, err))
			continue
		}
		resp, err := shape.decode(frame)
		if err != nil {
			mismatches = append(mismatches, fmt.Errorf("%s: %w", shape.name, err))
			continue
		}
		return resp, nil
	}
	return nil, &DecodeError{
		Kind: FrameDecodeError,
		Err:  fmt.Errorf("%w: %w", ErrNoShapeMatched, errors.Join(mismatches...)),
	}
}

type rowShape struct {
	name   string
	fields fieldSet
	decode func(raw []byte, processed time.Time, hasProcessed bool) (Row, error)
}

// Trade is tried before Order. Their required sets are disjoint from each
// other's known sets, so at most one can match.
var rowShapes = []rowShape{
	{
		name: "trade",
		fields: fieldSet{
			required: []string{"timestamp", "symbol", "side", "size", "price", "tickDirection", "trdMatchID"},
			optional: []string{"processed", "grossValue", "homeNotional", "foreignNotional"},
		},
		decode: func(raw []byte, processed time.Time, hasProcessed bool) (Row, error) {
			var t Trade
			if err := strictUnmarshal(raw, &t); err != nil {
				return nil, err
			}
			if !hasProcessed {
				t.Processed = processed
			}
			return &t, nil
		},
	},
	{
		name: "order",
		fields: fieldSet{
			required: []string{"symbol", "id", "side"},
			optional: []string{"processed", "size", "price"},
		},
		decode: func(raw []byte, processed time.Time, hasProcessed bool) (Row, error) {
			var o Order
			if err := strictUnmarshal(raw, &o); err != nil {
				return nil, err
			}
			if !hasProcessed {
				o.Processed = processed
			}
			return &o, nil
		},
	},
}

// Classifier turns data elements into rows.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a classifier stamping absent processed fields with
// now(). A nil now uses time.Now.
func NewClassifier(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{now: now}
}

var defaultClassifier = NewClassifier(nil)

// ClassifyRow classifies raw with the wall clock.
func ClassifyRow(raw json.RawMessage) (Row, error) {
	return defaultClassifier.Classify(raw)
}

// Classify decodes raw as a Trade or, failing that, an Order.
func (c *Classifier) Classify(raw json.RawMessage) (Row, error) {
	processed := c.now().UTC()

	fields, err := objectFields(raw)
	if err != nil {
		return nil, &DecodeError{Kind: RowDecodeError, Err: err}
	}
	v, ok := fields["processed"]
	hasProcessed := ok && !isNull(v)

	mismatches := make([]error, 0, len(rowShapes))
	for _, shape := range rowShapes {
		if err := shape.fields.check(fields); err != nil {
			mismatches = append(mismatches, fmt.Errorf("%s: %w", shape.name, err))
			continue
		}
		row, err := shape.decode(raw, processed, hasProcessed)
		if err != nil {
			mismatches = append(mismatches, fmt.Errorf("%s: %w", shape.name, err))
			continue
		}
		return row, nil
	}
	return nil, &DecodeError{
		Kind: RowDecodeError,
		Err:  fmt.Errorf("%w: %w", ErrNoShapeMatched, errors.Join(mismatches...)),
	}
}
