package gateway

// Close codes sent to clients. Codes in the 4000 range are application
// defined; 1011 and 1013 are standard websocket codes.
const (
	CloseIdleTimeout  = 4000
	CloseAuthMissing  = 4001
	CloseAuthInvalid  = 4003
	CloseInsufficient = 4004

	CloseTryAgainLater = 1013
	CloseInternalError = 1011
)

const (
	reasonIdleTimeout  = "idle timeout"
	reasonAuthMissing  = "authentication required"
	reasonAuthInvalid  = "authentication failed"
	reasonInsufficient = "insufficient balance or quota"
	reasonAtCapacity   = "server at capacity"
	reasonInternal     = "internal error"
)
