package wire

// WebSocket close codes used on the agent channel. Codes in the 4000 range
// are application-defined per RFC 6455 and are part of the wire contract:
// agents branch on them to decide whether reconnecting is worthwhile.
const (
	// CloseShutdown is sent when the gateway is shutting down. Agents
	// should reconnect with backoff; the gateway will come back.
	CloseShutdown = 4000

	// CloseSuperseded is sent to the older of two sessions when the same
	// agent authenticates twice. The displaced agent may reconnect; the
	// gateway always keeps the newest session, so two copies of the same
	// agent settle on whichever reconnected last.
	CloseSuperseded = 4001

	// CloseUnauthorized is sent when the hello handshake fails: unknown
	// agent_id, wrong agent_key, or no hello frame at all. The close frame
	// carries no body so credentials cannot be probed.
	CloseUnauthorized = 4003

	// CloseProtocolError is sent when a frame cannot be parsed. A malformed
	// frame tears down only the one session that sent it.
	CloseProtocolError = 4007
)
