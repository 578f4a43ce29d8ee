// message.go
package collab

import (
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Wire actions. Every frame carries its action in the "a" field.
const (
	ActionInit             = "init"
	ActionFetch            = "f"
	ActionSubscribe        = "s"
	ActionUnsubscribe      = "u"
	ActionOp               = "op"
	ActionBulkFetch        = "bf"
	ActionBulkSubscribe    = "bs"
	ActionBulkUnsubscribe  = "bu"
	ActionQueryFetch       = "qf"
	ActionQuerySubscribe   = "qs"
	ActionQueryUnsubscribe = "qu"
	ActionQueryUpdate      = "q"
)

// ErrorData is the error envelope any frame may carry.
type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// initMessage is the server hello. The id field here is the server-assigned
// client id, unlike the query messages where id is the query number.
type initMessage struct {
	Action   string     `json:"a"`
	Protocol int        `json:"protocol"`
	Type     string     `json:"type"`
	ID       string     `json:"id"`
	Error    *ErrorData `json:"error,omitempty"`
}

// DocMessage covers f/s/u/op traffic for a single document, in both directions.
type DocMessage struct {
	Action     string          `json:"a"`
	Collection string          `json:"c,omitempty"`
	Doc        string          `json:"d,omitempty"`
	Version    *int64          `json:"v,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Src        string          `json:"src,omitempty"`
	Seq        int64           `json:"seq,omitempty"`
	Op         json.RawMessage `json:"op,omitempty"`
	Create     json.RawMessage `json:"create,omitempty"`
	Del        json.RawMessage `json:"del,omitempty"`
	Error      *ErrorData      `json:"error,omitempty"`
}

// bulkMessage covers bf/bs/bu traffic. Inbound, B is either an array of doc
// ids or a map of doc id to version; outbound it is built from the bulk
// accumulator.
type bulkMessage struct {
	Action     string                     `json:"a"`
	Collection string                     `json:"c,omitempty"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
	B          json.RawMessage            `json:"b,omitempty"`
	Error      *ErrorData                 `json:"error,omitempty"`
}

// queryMessage covers qf/qs/qu/q traffic. The id field is the client-assigned
// query number.
type queryMessage struct {
	Action     string          `json:"a"`
	ID         int64           `json:"id"`
	Collection string          `json:"c,omitempty"`
	Query      json.RawMessage `json:"q,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	Error      *ErrorData      `json:"error,omitempty"`
}

// messageAction peeks the action tag of a raw frame without a full decode.
func messageAction(raw []byte) string {
	return gjson.GetBytes(raw, "a").String()
}
