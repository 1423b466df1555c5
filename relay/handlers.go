package relay

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tomasen/realip"
)

// handleCookie implements `GET /cookie?ext=<id>&path=<p>`: a 302 redirect
// back into the browser extension that kicked off the connection. It is
// intentionally unauthenticated; the extension is the one deciding to call
// it.
func (s *Server) handleCookie(w http.ResponseWriter, r *http.Request) {
	ext := r.URL.Query().Get("ext")
	path := r.URL.Query().Get("path")
	if ext == "" || path == "" {
		http.Error(w, "missing ext or path", http.StatusBadRequest)
		return
	}

	host := s.config.ExternalHost
	if host == "" {
		host = r.Host
	}

	location := fmt.Sprintf("chrome-extension://%s/%s#ignored@%s", ext, path, host)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// handleProxy implements `GET /proxy?host=<h>&port=<p>`: dial the backend
// and, on success, register a Session and return its id as the response
// body.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	portStr := r.URL.Query().Get("port")
	if host == "" || portStr == "" {
		http.Error(w, "missing host or port", http.StatusBadRequest)
		return
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		http.Error(w, "port must be numeric", http.StatusBadRequest)
		return
	}

	session, err := NewSession(s.Logger, s.registry, s.metrics, host, portStr)
	if err != nil {
		s.DLogf("proxy dial %s:%s from %s failed: %s", host, portStr, realip.FromRequest(r), err)
		http.Error(w, "backend connect failed", http.StatusBadGateway)
		return
	}
	s.registry.Insert(session)

	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(session.ID()))
}

// handleConnect implements the WebSocket upgrade for
// `/connect?sid=&ack=&pos=`. Per the protocol's own error-reporting
// mechanism, the upgrade always succeeds; any problem with the request is
// reported by protocol-closing the freshly upgraded connection rather than
// by an HTTP error, since the frontend has no path for handling a rejected
// upgrade.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("websocket upgrade from %s failed: %s", realip.FromRequest(r), err)
		return
	}

	q := r.URL.Query()
	sid := q.Get("sid")
	ack, ackErr := strconv.ParseUint(q.Get("ack"), 10, 64)
	pos, posErr := strconv.ParseUint(q.Get("pos"), 10, 64)

	if sid == "" || ackErr != nil || posErr != nil {
		s.DLogf("malformed /connect request from %s: sid=%q ack=%q pos=%q", realip.FromRequest(r), sid, q.Get("ack"), q.Get("pos"))
		protocolCloseRaw(ws)
		return
	}

	session := s.registry.Lookup(sid)
	if session == nil {
		s.DLogf("unknown session %s requested by %s", sid, realip.FromRequest(r))
		protocolCloseRaw(ws)
		return
	}

	if err := session.Adopt(ws, ack, pos); err != nil {
		s.DLogf("session %s rejected adoption from %s: %s", sid, realip.FromRequest(r), err)
	}
}
