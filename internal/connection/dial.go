package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// graphqlTransportWSSubprotocol is the Sec-WebSocket-Protocol value
// required by the graphql-transport-ws spec the upstream endpoint
// implements.
const graphqlTransportWSSubprotocol = "graphql-transport-ws"

// DefaultDialer opens a real TLS-WSS connection using gorilla/websocket,
// negotiating the graphql-transport-ws subprotocol. It satisfies the
// Dialer type and is what NewManager is wired with outside of tests.
func DefaultDialer(ctx context.Context, url string, header http.Header) (wsConn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{graphqlTransportWSSubprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
