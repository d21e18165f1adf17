// Package wire defines the JSON frame protocol spoken between the gateway
// and connector agents. Both halves of the product import this package, so
// any change here is a wire-compatibility change and must be made with care.
//
// Every frame is a single JSON object with a "kind" discriminator. Frames
// that belong to a request/response exchange carry a "request_id" allocated
// by the gateway's correlator; unsolicited frames (hello, heartbeat) do not.
package wire

// Kind identifies the type of a frame. The string values are part of the
// wire protocol and must never change.
type Kind string

const (
	// KindHello is the first frame an agent sends after the WebSocket
	// upgrade. It carries the agent_id and agent_key credentials.
	KindHello Kind = "hello"

	// KindHelloOK is the gateway's acknowledgement of a successful
	// handshake. It has no fields.
	KindHelloOK Kind = "hello_ok"

	// KindSchemaRefreshRequest asks the agent to introspect its database
	// and reply with a full schema snapshot.
	KindSchemaRefreshRequest Kind = "schema_refresh_request"

	// KindSchemaRefreshResponse carries the schema snapshot back.
	KindSchemaRefreshResponse Kind = "schema_refresh_response"

	// KindQueryRequest carries SQL text for the agent to execute read-only.
	KindQueryRequest Kind = "query_request"

	// KindQueryResponse carries the tabular result of a query.
	KindQueryResponse Kind = "query_response"

	// KindError is sent by the agent when a request fails. It may carry the
	// request_id of the failed request, or zero for session-level errors.
	KindError Kind = "error"

	// KindHeartbeat is sent by either side when the connection has been
	// idle. It has no fields and expects no reply.
	KindHeartbeat Kind = "heartbeat"
)

// Frame is the envelope for every message exchanged with an agent.
// Fields are populated according to Kind; unused fields are omitted from
// the JSON encoding. See the protocol table in the project documentation
// for which fields each kind requires.
type Frame struct {
	Kind Kind `json:"kind"`

	// RequestID correlates a response with the request that caused it.
	// Zero means the frame is not part of a request/response exchange.
	RequestID uint64 `json:"request_id,omitempty"`

	// AgentID and AgentKey are only present on hello frames.
	AgentID  string `json:"agent_id,omitempty"`
	AgentKey string `json:"agent_key,omitempty"`

	// SQL is only present on query_request frames.
	SQL string `json:"sql,omitempty"`

	// Schema is only present on schema_refresh_response frames.
	Schema []Table `json:"schema,omitempty"`

	// Columns, Rows and RowCount are only present on query_response frames.
	Columns  []string  `json:"columns,omitempty"`
	Rows     [][]Value `json:"rows,omitempty"`
	RowCount int       `json:"row_count,omitempty"`

	// Code and Message are only present on error frames. Code is one of the
	// stable error codes shared with the HTTP surface.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Column describes one column of a table in a schema snapshot.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table describes one table in a schema snapshot. RowCountEstimate is a
// best-effort figure from the database's statistics, not an exact count.
type Table struct {
	Name             string   `json:"table"`
	Columns          []Column `json:"columns"`
	RowCountEstimate int64    `json:"row_count_estimate"`
}
