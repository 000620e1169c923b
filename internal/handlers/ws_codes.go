// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the room event stream.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	StreamDisabledError = 3001 // This node runs without an event source.
)
