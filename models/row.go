package models

import (
	"fmt"
	"strconv"
	"time"
)

// Row is one element of a TableDataResponse: either a Trade or an Order.
type Row interface {
	// RecordFields returns the row's values in declared field order.
	RecordFields() ([]string, error)
	rowShape() string
}

// Trade is a completed trade from the "trade" table.
type Trade struct {
	Processed       time.Time     `json:"processed"`
	Timestamp       time.Time     `json:"timestamp"`
	Symbol          string        `json:"symbol"`
	Side            Side          `json:"side"`
	Size            uint64        `json:"size"`
	Price           float64       `json:"price"`
	TickDirection   TickDirection `json:"tickDirection"`
	TradeMatchID    string        `json:"trdMatchID"`
	GrossValue      *uint64       `json:"grossValue,omitempty"`
	HomeNotional    *float64      `json:"homeNotional,omitempty"`
	ForeignNotional *float64      `json:"foreignNotional,omitempty"`
}

// Order is an order book level from the orderBookL2 tables. Size and price
// are absent on deletes.
type Order struct {
	Processed time.Time `json:"processed"`
	Symbol    string    `json:"symbol"`
	ID        uint64    `json:"id"`
	Side      Side      `json:"side"`
	Size      *uint64   `json:"size,omitempty"`
	Price     *float64  `json:"price,omitempty"`
}

func (*Trade) rowShape() string { return "trade" }
func (*Order) rowShape() string { return "order" }

// RowShapeName returns "trade" or "order".
func RowShapeName(r Row) string {
	if r == nil {
		return ""
	}
	return r.rowShape()
}

func (t *Trade) RecordFields() ([]string, error) {
	side, err := t.Side.MarshalText()
	if err != nil {
		return nil, err
	}
	tick, err := t.TickDirection.MarshalText()
	if err != nil {
		return nil, err
	}
	return []string{
		formatTime(t.Processed),
		formatTime(t.Timestamp),
		t.Symbol,
		string(side),
		strconv.FormatUint(t.Size, 10),
		formatFloat(t.Price),
		string(tick),
		t.TradeMatchID,
		formatOptUint(t.GrossValue),
		formatOptFloat(t.HomeNotional),
		formatOptFloat(t.ForeignNotional),
	}, nil
}

func (o *Order) RecordFields() ([]string, error) {
	side, err := o.Side.MarshalText()
	if err != nil {
		return nil, err
	}
	return []string{
		formatTime(o.Processed),
		o.Symbol,
		strconv.FormatUint(o.ID, 10),
		string(side),
		formatOptUint(o.Size),
		formatOptFloat(o.Price),
	}, nil
}

// TableRowAction pairs one row with the table and action of the message it
// arrived in. It is built right before serialization and not kept.
type TableRowAction struct {
	Table  Table
	Action TableAction
	Row    Row
}

// Record returns table, action and then the row fields.
func (a TableRowAction) Record() ([]string, error) {
	if a.Row == nil {
		return nil, fmt.Errorf("table %s: nil row", a.Table)
	}
	table, err := a.Table.MarshalText()
	if err != nil {
		return nil, err
	}
	action, err := a.Action.MarshalText()
	if err != nil {
		return nil, err
	}
	fields, err := a.Row.RecordFields()
	if err != nil {
		return nil, fmt.Errorf("%s row: %w", a.Row.rowShape(), err)
	}
	return append([]string{string(table), string(action)}, fields...), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatOptUint(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
