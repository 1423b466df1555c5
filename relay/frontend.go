package relay

import "github.com/gorilla/websocket"

// frontendConn adapts a single /connect WebSocket into the minimal surface
// Session needs: sending framed binary messages and reading them back. pos
// is mutated only while the owning Session's Lock is held.
type frontendConn struct {
	ws         *websocket.Conn
	remoteAddr string

	// pos is the frontend's declared absolute offset into its own outbound
	// (frontend->backend) stream: the offset of the next byte this frontend
	// will send. Owned by Session.
	pos uint64
}

func newFrontendConn(ws *websocket.Conn) *frontendConn {
	return &frontendConn{ws: ws, remoteAddr: ws.RemoteAddr().String()}
}

// protocolCloseRaw sends the ack=-1 sentinel frame and closes ws. It is
// used by the /connect handler for requests that never reach Session.Adopt
// at all: unknown sid, malformed ack/pos.
func protocolCloseRaw(ws *websocket.Conn) {
	_ = ws.WriteMessage(websocket.BinaryMessage, EncodeProtocolClose())
	_ = ws.Close()
}

// sendBinary frames ack and payload and writes them as a single WebSocket
// binary message.
func (c *frontendConn) sendBinary(ack uint64, payload []byte) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(ack, payload))
}

// protocolClose best-effort sends the ack=-1 sentinel frame and closes the
// underlying connection. Errors are not reported: by the time this is
// called the connection is being discarded regardless.
func (c *frontendConn) protocolClose() {
	_ = c.ws.WriteMessage(websocket.BinaryMessage, EncodeProtocolClose())
	_ = c.ws.Close()
}

// readLoop delivers inbound WebSocket messages to s until the connection
// errors or is closed, then reports the close to s and returns. It must be
// started only after s has successfully adopted c.
func (c *frontendConn) readLoop(s *Session) {
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			s.onFrontendClose(c, err)
			return
		}
		if mt == websocket.TextMessage {
			s.onFrontendTextFrame(c)
			continue
		}
		s.onFrontendFrame(c, msg)
	}
}
