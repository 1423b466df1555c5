package relay

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newConnectServer starts an httptest server that adopts every /connect
// request into session, exactly like Server.handleConnect but without the
// rest of the HTTP surface.
func newConnectServer(t *testing.T, session *Session) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %s", err)
			return
		}
		ack, _ := strconv.ParseUint(r.URL.Query().Get("ack"), 10, 64)
		pos, _ := strconv.ParseUint(r.URL.Query().Get("pos"), 10, 64)
		_ = session.Adopt(ws, ack, pos)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialFrontend(t *testing.T, srv *httptest.Server, ack, pos uint64) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/connect?ack=%d&pos=%d", ack, pos)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %s", u, err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %s", err)
	}
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %s", err)
	}
	return f
}

// expectEmptyResume reads the resume frame Adopt sends as soon as a frontend
// is attached with nothing unacked, and checks it is ack=0 with no payload.
func expectEmptyResume(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	if f := readFrame(t, ws); f.Ack != 0 || len(f.Payload) != 0 {
		t.Fatalf("resume frame = %+v, want ack=0 and empty payload", f)
	}
}

func newTestSession(t *testing.T) (*Session, *Registry, net.Conn) {
	t.Helper()
	host, port, accepted := loopbackBackend(t)
	reg := newRegistry(testLogger(), nil, time.Hour, time.Hour)
	t.Cleanup(reg.Close)

	s, err := NewSession(testLogger(), reg, nil, host, port)
	if err != nil {
		t.Fatalf("NewSession failed: %s", err)
	}
	backend := <-accepted
	reg.Insert(s)
	return s, reg, backend
}

// S1 happy path: backend data flows to frontend, frontend data flows to
// backend, acks advance normally.
func TestSessionHappyPath(t *testing.T) {
	s, _, backend := newTestSession(t)
	srv := newConnectServer(t, s)
	ws := dialFrontend(t, srv, 0, 0)
	defer ws.Close()
	expectEmptyResume(t, ws)

	backend.Write([]byte("hello"))

	f := readFrame(t, ws)
	if f.Ack != 0 || string(f.Payload) != "hello" {
		t.Fatalf("frame = %+v, want ack=0 payload=hello", f)
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(5, []byte("ls\n"))); err != nil {
		t.Fatalf("WriteMessage failed: %s", err)
	}

	buf := make([]byte, 3)
	backend.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(backend, buf); err != nil {
		t.Fatalf("backend read failed: %s", err)
	}
	if string(buf) != "ls\n" {
		t.Fatalf("backend received %q, want %q", buf, "ls\n")
	}
}

// S2 resume with retransmit: a frontend that drops before acking sees the
// same unacked frame replayed verbatim on reconnect.
func TestSessionResumeRetransmitsUnacked(t *testing.T) {
	s, _, backend := newTestSession(t)
	srv := newConnectServer(t, s)

	ws1 := dialFrontend(t, srv, 0, 0)
	expectEmptyResume(t, ws1)
	backend.Write([]byte("hello"))
	f := readFrame(t, ws1)
	if string(f.Payload) != "hello" {
		t.Fatalf("first frame payload = %q, want %q", f.Payload, "hello")
	}
	ws1.Close()

	ws2 := dialFrontend(t, srv, 0, 0)
	defer ws2.Close()
	f2 := readFrame(t, ws2)
	if f2.Ack != 0 || string(f2.Payload) != "hello" {
		t.Fatalf("resume frame = %+v, want ack=0 payload=hello", f2)
	}
}

// S3 resume skipping acked: a partially acked buffer is trimmed before
// replay.
func TestSessionResumeSkipsAcked(t *testing.T) {
	s, _, backend := newTestSession(t)
	srv := newConnectServer(t, s)

	ws1 := dialFrontend(t, srv, 0, 0)
	expectEmptyResume(t, ws1)
	backend.Write([]byte("abcdef"))
	readFrame(t, ws1) // initial "abcdef"
	ws1.Close()

	ws2 := dialFrontend(t, srv, 4, 0)
	defer ws2.Close()
	f := readFrame(t, ws2)
	if f.Ack != 0 || string(f.Payload) != "ef" {
		t.Fatalf("resume frame = %+v, want ack=0 payload=ef", f)
	}
}

// S4 frontend overlap on resume: a resent frame whose payload overlaps
// bytes already written to the backend contributes only its unseen tail.
func TestSessionFrontendOverlapOnResume(t *testing.T) {
	s, _, backend := newTestSession(t)
	srv := newConnectServer(t, s)

	ws := dialFrontend(t, srv, 0, 0)
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(0, []byte("abcd"))); err != nil {
		t.Fatalf("WriteMessage failed: %s", err)
	}
	buf := make([]byte, 4)
	backend.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(backend, buf); err != nil {
		t.Fatalf("backend read failed: %s", err)
	}
	ws.Close()

	ws2 := dialFrontend(t, srv, 0, 0)
	defer ws2.Close()
	expectEmptyResume(t, ws2)
	if err := ws2.WriteMessage(websocket.BinaryMessage, EncodeFrame(0, []byte("abcdXY"))); err != nil {
		t.Fatalf("WriteMessage failed: %s", err)
	}
	buf2 := make([]byte, 2)
	if _, err := readFull(backend, buf2); err != nil {
		t.Fatalf("backend read failed: %s", err)
	}
	if string(buf2) != "XY" {
		t.Fatalf("backend received %q, want %q", buf2, "XY")
	}

	s.Lock.Lock()
	got := s.backendBytesWritten
	s.Lock.Unlock()
	if got != 6 {
		t.Fatalf("backendBytesWritten = %d, want 6", got)
	}
}

// S5 pos ahead is fatal to the adoption attempt but not to the session: the
// new frontend is protocol-closed and a subsequent valid reconnect succeeds.
func TestSessionPosAheadRejectedSessionSurvives(t *testing.T) {
	s, reg, _ := newTestSession(t)
	srv := newConnectServer(t, s)

	ws := dialFrontend(t, srv, 0, 100)
	defer ws.Close()
	f := readFrame(t, ws)
	if f.Ack != int64(ProtocolCloseAck) {
		t.Fatalf("ack = %d, want protocol-close sentinel %d", f.Ack, ProtocolCloseAck)
	}

	if reg.Lookup(s.ID()) != s {
		t.Fatal("session was removed from registry after a rejected adoption")
	}

	ws2 := dialFrontend(t, srv, 0, 0)
	defer ws2.Close()
	ws2.SetWriteDeadline(time.Now().Add(time.Second))
	if err := ws2.WriteMessage(websocket.BinaryMessage, EncodeFrame(0, nil)); err != nil {
		t.Fatalf("subsequent valid reconnect failed to write: %s", err)
	}
}

// S7 backend close: the attached frontend sees a protocol-close frame and
// the session is removed from the registry.
func TestSessionBackendCloseEvictsFrontendAndRegistry(t *testing.T) {
	s, reg, backend := newTestSession(t)
	srv := newConnectServer(t, s)

	ws := dialFrontend(t, srv, 0, 0)
	defer ws.Close()
	expectEmptyResume(t, ws)

	backend.Close()

	f := readFrame(t, ws)
	if f.Ack != int64(ProtocolCloseAck) {
		t.Fatalf("ack = %d, want protocol-close sentinel %d", f.Ack, ProtocolCloseAck)
	}

	s.WaitShutdown()
	if reg.Lookup(s.ID()) != nil {
		t.Fatal("session still present in registry after backend close")
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
