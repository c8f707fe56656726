package models

import (
	"encoding/json"
	"fmt"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// SUBSCRIPTIONS ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Table identifies a BitMEX realtime subscription channel.
type Table int

const (
	TableTrade Table = iota + 1
	TableOrderBookL2
	TableOrderBookL2_25
)

var tableNames = map[Table]string{
	TableTrade:          "trade",
	TableOrderBookL2:    "orderBookL2",
	TableOrderBookL2_25: "orderBookL2_25",
}

// TableAction describes how the rows of a data message mutate the table.
type TableAction int

const (
	ActionPartial TableAction = iota + 1
	ActionUpdate
	ActionInsert
	ActionDelete
)

var actionNames = map[TableAction]string{
	ActionPartial: "partial",
	ActionUpdate:  "update",
	ActionInsert:  "insert",
	ActionDelete:  "delete",
}

// Side of a trade or order book level.
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

var sideNames = map[Side]string{
	SideBuy:  "Buy",
	SideSell: "Sell",
}

// TickDirection of a trade relative to the previous trade price.
type TickDirection int

const (
	ZeroPlusTick TickDirection = iota + 1
	PlusTick
	ZeroMinusTick
	MinusTick
)

var tickDirectionNames = map[TickDirection]string{
	ZeroPlusTick:  "ZeroPlusTick",
	PlusTick:      "PlusTick",
	ZeroMinusTick: "ZeroMinusTick",
	MinusTick:     "MinusTick",
}

func enumName[T comparable](kind string, names map[T]string, v T) (string, error) {
	name, ok := names[v]
	if !ok {
		return "", fmt.Errorf("invalid %s %v", kind, v)
	}
	return name, nil
}

func enumValue[T comparable](kind string, names map[T]string, s string) (T, error) {
	for v, name := range names {
		if name == s {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", kind, s)
}

// ParseTable resolves a wire table name such as "orderBookL2".
func ParseTable(s string) (Table, error) { return enumValue("table", tableNames, s) }

func (t Table) String() string {
	if name, ok := tableNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Table(%d)", int(t))
}

func (t Table) MarshalText() ([]byte, error) {
	name, err := enumName("table", tableNames, t)
	return []byte(name), err
}

func (t *Table) UnmarshalText(b []byte) error {
	v, err := enumValue("table", tableNames, string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTableAction resolves a wire action name such as "partial".
func ParseTableAction(s string) (TableAction, error) { return enumValue("action", actionNames, s) }

func (a TableAction) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("TableAction(%d)", int(a))
}

func (a TableAction) MarshalText() ([]byte, error) {
	name, err := enumName("action", actionNames, a)
	return []byte(name), err
}

func (a *TableAction) UnmarshalText(b []byte) error {
	v, err := enumValue("action", actionNames, string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (s Side) String() string {
	if name, ok := sideNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

func (s Side) MarshalText() ([]byte, error) {
	name, err := enumName("side", sideNames, s)
	return []byte(name), err
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := enumValue("side", sideNames, string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (d TickDirection) String() string {
	if name, ok := tickDirectionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("TickDirection(%d)", int(d))
}

func (d TickDirection) MarshalText() ([]byte, error) {
	name, err := enumName("tick direction", tickDirectionNames, d)
	return []byte(name), err
}

func (d *TickDirection) UnmarshalText(b []byte) error {
	v, err := enumValue("tick direction", tickDirectionNames, string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// REQUESTS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// SubscribeRequest is the command sent once when the connection opens.
type SubscribeRequest struct {
	Args []Table
}

// NewSubscribeRequest builds a subscription for the given tables.
func NewSubscribeRequest(tables ...Table) SubscribeRequest {
	args := make([]Table, len(tables))
	copy(args, tables)
	return SubscribeRequest{Args: args}
}

// MarshalJSON renders {"op":"subscribe","args":[...]}.
func (r SubscribeRequest) MarshalJSON() ([]byte, error) {
	args := r.Args
	if args == nil {
		args = []Table{}
	}
	return json.Marshal(struct {
		Op   string  `json:"op"`
		Args []Table `json:"args"`
	}{Op: "subscribe", Args: args})
}

// Request is a command as echoed back by the server inside error and
// acknowledgment frames. Args stay as raw strings so a request rejected for
// naming an unknown table can still be reported.
type Request struct {
	Op   string      `json:"op"`
	Args RequestArgs `json:"args,omitempty"`
}

// RequestArgs accepts either a single string or a list of strings.
type RequestArgs []string

func (a *RequestArgs) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = RequestArgs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("request args: %w", err)
	}
	*a = many
	return nil
}
