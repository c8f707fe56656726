package models

import (
	"encoding/json"
	"time"
)

// Response is one decoded inbound frame. The concrete type is one of
// *InfoResponse, *SubscribeResponse, *ErrorResponse or *TableDataResponse.
type Response interface {
	responseShape() string
}

// InfoResponse is the banner sent right after the connection opens.
type InfoResponse struct {
	Info             string          `json:"info"`
	Version          string          `json:"version"`
	Timestamp        time.Time       `json:"timestamp"`
	Docs             string          `json:"docs,omitempty"`
	Limit            json.RawMessage `json:"limit,omitempty"`
	AppName          string          `json:"appName,omitempty"`
	HeartbeatEnabled bool            `json:"heartbeatEnabled,omitempty"`
}

// SubscribeResponse acknowledges one table of a subscription.
type SubscribeResponse struct {
	Subscribe Table    `json:"subscribe"`
	Success   bool     `json:"success"`
	Request   *Request `json:"request,omitempty"`
}

// ErrorResponse reports a rejected command together with the request that
// caused it.
type ErrorResponse struct {
	Status  uint16  `json:"status"`
	Error   string  `json:"error"`
	Request Request `json:"request"`
	// Meta is usually an empty object.
	Meta json.RawMessage `json:"meta,omitempty"`
}

// TableDataResponse carries rows for a subscribed table. Data elements are
// kept raw so each one can be classified on its own.
type TableDataResponse struct {
	Table       Table             `json:"table"`
	Action      TableAction       `json:"action"`
	Data        []json.RawMessage `json:"data"`
	Keys        []string          `json:"keys,omitempty"`
	Types       map[string]string `json:"types,omitempty"`
	ForeignKeys map[string]string `json:"foreignKeys,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Filter      json.RawMessage   `json:"filter,omitempty"`
}

func (*InfoResponse) responseShape() string      { return "info" }
func (*SubscribeResponse) responseShape() string { return "subscribe" }
func (*ErrorResponse) responseShape() string     { return "error" }
func (*TableDataResponse) responseShape() string { return "table_data" }

// ShapeName returns the name of the shape a response was decoded as.
func ShapeName(r Response) string {
	if r == nil {
		return ""
	}
	return r.responseShape()
}

// RowBatch is the classified content of one TableDataResponse, handed from
// the receiving side of the pipeline to the record sink.
type RowBatch struct {
	Table    Table
	Action   TableAction
	Rows     []Row
	Received time.Time
}
