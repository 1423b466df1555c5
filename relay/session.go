package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
)

// friendlyReleaseThreshold is the "friendly release" bound from the design
// document: once the relay's view of how far behind the frontend is exceeds
// this many bytes, it sends an empty-payload frame so the frontend learns of
// the relay's progress without waiting for backend data.
const friendlyReleaseThreshold = 1 << 20 // 1 MiB

// backendReadChunkSize is the buffer size used when pumping bytes out of the
// backend TCP socket.
const backendReadChunkSize = 32 * 1024

// errIdleTimeout is the advisory completion error used when the idle-session
// reaper closes a Session that was never attached.
var errIdleTimeout = errors.New("wsshrelay: idle session timed out before any frontend attached")

// ErrPosAhead is returned by Adopt when the frontend's declared pos is ahead
// of what the relay has ever written to the backend.
var ErrPosAhead = errors.New("wsshrelay: frontend pos is ahead of backend bytes written")

// ErrAckRejected is returned by Adopt and surfaces internally when an
// inbound ack fails the shrink rules (above sent, or below the buffer's
// left edge).
var ErrAckRejected = errors.New("wsshrelay: ack rejected by shrink rules")

// Session owns one backend TCP socket, the two directional stream offsets,
// the backend->frontend retransmission buffer, and at most one attached
// frontend WebSocket. All mutations to its stream state are serialized by
// Lock (inherited from ShutdownHelper), so Session behaves as a single
// logical executor even though backend reads and frontend reads run on
// separate goroutines.
type Session struct {
	ShutdownHelper

	id      string
	host    string
	port    string
	backend net.Conn

	registry *Registry
	metrics  *Metrics

	createdAt    time.Time
	everAttached bool

	// Protected by Lock.
	backendBytesWritten uint64
	backendBytesRead    uint64
	b2fUnacked          retransmitBuffer
	frontend            *frontendConn
}

// NewSession dials the backend synchronously and, on success, returns a
// Session whose id is a random UUID-v4 token and whose backend read pump is
// already running in the background. The caller is responsible for
// inserting the Session into a Registry.
func NewSession(logger Logger, registry *Registry, metrics *Metrics, host, port string) (*Session, error) {
	addr := net.JoinHostPort(host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsshrelay: backend connect to %s failed: %w", addr, err)
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		host:      host,
		port:      port,
		backend:   conn,
		registry:  registry,
		metrics:   metrics,
		createdAt: time.Now(),
	}
	s.InitShutdownHelper(logger.Fork("session %s", id), s)
	s.DLogf("backend connected: %s", addr)

	go s.backendReadLoop()

	return s, nil
}

// ID returns the session's text token.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the backend connection was established.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// EverAttached reports whether any frontend has ever been adopted by this
// Session. The idle-session reaper only reaps sessions for which this is
// false.
func (s *Session) EverAttached() bool {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.everAttached
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the backend socket, protocol-closes any attached frontend, and
// removes the session from its registry.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	fc := s.frontend
	s.frontend = nil
	s.Lock.Unlock()

	if fc != nil {
		fc.protocolClose()
	}

	err := s.backend.Close()

	s.registry.remove(s.id, closeReasonFor(completionErr))
	if s.metrics != nil {
		s.metrics.sessionClosed(closeReasonFor(completionErr))
	}

	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func closeReasonFor(err error) string {
	switch {
	case errors.Is(err, errIdleTimeout):
		return "idle_timeout"
	case err == nil || errors.Is(err, io.EOF):
		return "backend_eof"
	default:
		return "backend_error"
	}
}

// backendReadLoop pumps bytes out of the backend socket until it errors or
// reaches EOF, at which point it starts session shutdown. It is the only
// writer of backendBytesRead and the only appender to b2fUnacked (via
// onBackendData; ack processing elsewhere only trims b2fUnacked), and the
// only reader of the backend socket, so no additional coordination with
// frontend-side goroutines is required beyond the Session lock.
func (s *Session) backendReadLoop() {
	buf := make([]byte, backendReadChunkSize)
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			s.onBackendData(buf[:n])
		}
		if err != nil {
			s.DLogf("backend read loop ending: %s", err)
			s.StartShutdown(err)
			return
		}
	}
}

// onBackendData appends newly read backend bytes to the unacked buffer,
// advances backendBytesRead, and — if a frontend is attached — ships the
// fragment immediately.
func (s *Session) onBackendData(data []byte) {
	s.Lock.Lock()
	defer s.Lock.Unlock()

	s.b2fUnacked.append(data)
	s.backendBytesRead += uint64(len(data))
	if s.metrics != nil {
		s.metrics.bytesToFrontend(len(data))
	}

	if s.frontend != nil {
		s.sendToFrontendLocked(data)
	}
}

// sendToFrontendLocked writes payload to the attached frontend with the
// outbound ack computed per §4.3: min(backendBytesWritten, frontend.pos).
// Must be called with Lock held and s.frontend non-nil.
func (s *Session) sendToFrontendLocked(payload []byte) {
	fc := s.frontend
	ack := min(s.backendBytesWritten, fc.pos)
	if err := fc.sendBinary(ack, payload); err != nil {
		s.DLogf("frontend send failed, detaching: %s", err)
		s.dropFrontendLocked(fc)
	}
}

// dropFrontendLocked clears s.frontend only if it still equals fc — the
// identity check that prevents a stale close/error notification for a
// superseded frontend from nil-ing out a newly adopted one.
func (s *Session) dropFrontendLocked(fc *frontendConn) {
	if s.frontend == fc {
		s.frontend = nil
	}
}

// Adopt attaches ws as the session's frontend, per the adoption protocol in
// §4.3: evict any prior frontend, validate pos, shrink the unacked buffer to
// ack, install the new frontend, and immediately replay the resulting
// unacked tail. On success it starts the frontend's read loop and returns
// nil; on failure it protocol-closes ws (without attaching it) and returns a
// descriptive error, leaving any previously attached frontend evicted but
// the backend connection untouched.
func (s *Session) Adopt(ws *websocket.Conn, ack, pos uint64) error {
	fc := newFrontendConn(ws)

	s.Lock.Lock()

	if prior := s.frontend; prior != nil {
		s.frontend = nil
		prior.protocolClose()
	}

	if pos > s.backendBytesWritten {
		s.Lock.Unlock()
		fc.protocolClose()
		if s.metrics != nil {
			s.metrics.protocolError("pos_ahead")
		}
		return ErrPosAhead
	}

	if ok := s.b2fUnacked.trimToAck(ack, s.backendBytesRead); !ok {
		kind := "ack_below_discarded"
		if ack > s.backendBytesRead {
			kind = "ack_above_sent"
		}
		s.Lock.Unlock()
		fc.protocolClose()
		if s.metrics != nil {
			s.metrics.protocolError(kind)
		}
		return ErrAckRejected
	}

	fc.pos = pos
	s.frontend = fc
	s.everAttached = true
	resume := s.b2fUnacked.tailFromOffset(ack, s.backendBytesRead)
	s.sendToFrontendLocked(resume)

	s.Lock.Unlock()

	if s.metrics != nil {
		s.metrics.frontendAttached()
	}
	s.ILogf("frontend attached: ack=%d pos=%d resume=%s", ack, pos, sizestr.ToString(int64(len(resume))))

	go fc.readLoop(s)
	return nil
}

// onFrontendFrame processes one inbound binary frame from fc per §4.3's
// inbound frame processing rules. It is a no-op if fc has already been
// superseded by a later Adopt.
func (s *Session) onFrontendFrame(fc *frontendConn, msg []byte) {
	frame, err := DecodeFrame(msg)
	if err != nil {
		s.evictFrontend(fc, "short_frame")
		return
	}

	s.Lock.Lock()

	if s.frontend != fc {
		s.Lock.Unlock()
		return
	}

	payload := frame.Payload
	fc.pos += uint64(len(payload))

	overlap := int64(fc.pos) - int64(s.backendBytesWritten)
	if overlap > 0 {
		unseen := payload[len(payload)-int(overlap):]
		if _, err := s.backend.Write(unseen); err != nil {
			// Leave s.frontend attached: HandleOnceShutdown (triggered
			// below, after we've released the lock it also needs) is what
			// protocol-closes it, same as any other backend-close path.
			s.Lock.Unlock()
			s.DLogf("backend write failed: %s", err)
			s.StartShutdown(err)
			return
		}
		s.backendBytesWritten += uint64(len(unseen))
		if s.metrics != nil {
			s.metrics.bytesToBackend(len(unseen))
		}
	}

	if frame.Ack < 0 || !s.b2fUnacked.trimToAck(uint64(frame.Ack), s.backendBytesRead) {
		fc.protocolClose()
		s.dropFrontendLocked(fc)
		if s.metrics != nil {
			if frame.Ack > int64(s.backendBytesRead) {
				s.metrics.protocolError("ack_above_sent")
			} else {
				s.metrics.protocolError("ack_below_discarded")
			}
		}
		s.Lock.Unlock()
		return
	}

	if int64(s.backendBytesWritten)-int64(fc.pos) > friendlyReleaseThreshold {
		s.sendToFrontendLocked(nil)
		if s.metrics != nil {
			s.metrics.friendlyAck()
		}
	}
	s.Lock.Unlock()
}

// onFrontendTextFrame handles the protocol error of a UTF-8 text frame
// arriving on /connect: protocol-close and detach, leaving the backend
// alive.
func (s *Session) onFrontendTextFrame(fc *frontendConn) {
	s.evictFrontend(fc, "text_frame")
}

// evictFrontend protocol-closes fc and detaches it (if it is still the
// attached frontend), incrementing the named protocol-error metric.
func (s *Session) evictFrontend(fc *frontendConn, errKind string) {
	s.Lock.Lock()
	attached := s.frontend == fc
	if attached {
		s.frontend = nil
	}
	s.Lock.Unlock()

	if attached {
		fc.protocolClose()
		if s.metrics != nil {
			s.metrics.protocolError(errKind)
		}
	}
}

// onFrontendClose handles the frontend WebSocket's read loop ending,
// whether from a clean close, a network error, or having just been
// protocol-closed by the session itself. The backend connection is left
// untouched: frontend-side errors are never terminal for the session.
func (s *Session) onFrontendClose(fc *frontendConn, err error) {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.frontend == fc {
		s.frontend = nil
		s.DLogf("frontend detached: %s", err)
	}
}
