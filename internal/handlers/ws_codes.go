// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the sync gateway. These give clients
// a more specific reason for closure than the standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided session token was invalid or expired.
	SubscriptionLimitHit  = 3002 // Client exceeded the per-connection subscription limit.
)
