package constants

import "time"

const (
	// APIPrefix is the path segment the REST adapter's base URL already supplies.
	// Callers may include it; it is stripped before a request is forwarded.
	APIPrefix = "/api"

	// DefaultRESTTimeout is generous because administrative operations
	// (formatting targets, starting filesystems) can take minutes.
	DefaultRESTTimeout = 5 * time.Minute

	// DefaultMaxConnsPerHost bounds the REST adapter's connection pool.
	DefaultMaxConnsPerHost = 32

	// DefaultThrottleInterval is the minimum spacing between two changed
	// values delivered on one channel.
	DefaultThrottleInterval = time.Second

	// DefaultPollInterval is the minimum delay between two iterations
	// of a subscribe/push loop.
	DefaultPollInterval = time.Second

	// DefaultAckTimeout bounds how long a client socket waits for a response
	// envelope. It is slightly longer than the REST timeout so that the
	// gateway reports backend timeouts itself.
	DefaultAckTimeout = DefaultRESTTimeout + 10*time.Second

	RequestIDLength = 16

	CloseMessageCode = 1000

	// CBORSubprotocol selects CBOR framing on the socket. Anything else is JSON.
	CBORSubprotocol = "cbor"

	SocketPath = "/socket"
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
