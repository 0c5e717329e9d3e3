package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/vireolabs/janus/internal/errors"
	"github.com/vireolabs/janus/internal/logging"
	"github.com/vireolabs/janus/internal/middleware"
	"github.com/vireolabs/janus/internal/observe"
	"github.com/vireolabs/janus/internal/router"
)

// isWebSocket detects an upgrade handshake.
func isWebSocket(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// serveWebSocket hijacks the client connection and pumps bytes to the
// first viable candidate. Rate limiting and breakers applied to the
// upgrade request upstream of this call; frames flow untouched.
func (e *Executor) serveWebSocket(w http.ResponseWriter, r *http.Request, candidates []router.Candidate, ev *observe.Event, start time.Time) {
	requestID := middleware.GetRequestID(r.Context())
	ev.WebSocket = true

	for _, cand := range candidates {
		b := cand.Backend
		if !e.health.Routable(b.Name) {
			continue
		}
		br := e.breakers.Get(b.Name)
		if br != nil && !br.CanRequest() {
			continue
		}

		if err := e.pumpWebSocket(w, r, b); err != nil {
			if br != nil {
				br.RecordFailure()
			}
			ev.Error = err.Error()
			logging.Warn("websocket dial failed",
				zap.String("backend", b.Name),
				zap.String("request_id", requestID),
				zap.Error(err))
			continue
		}
		if br != nil {
			br.RecordSuccess()
		}
		ev.Backend = b.Name
		ev.Error = ""
		e.finish(ev, http.StatusSwitchingProtocols, start)
		return
	}

	gwerrors.ErrProxy.WithRequestID(requestID).WriteJSON(w)
	e.finish(ev, http.StatusBadGateway, start)
}

// pumpWebSocket dials the upstream, replays the handshake and copies
// bytes in both directions until either side closes. It returns an
// error only before the hijack; afterwards failures just end the
// session.
func (e *Executor) pumpWebSocket(w http.ResponseWriter, r *http.Request, b *router.Backend) error {
	addr := b.URL.Host
	if !strings.Contains(addr, ":") {
		if b.URL.Scheme == "https" || b.URL.Scheme == "wss" {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	var upstream net.Conn
	var err error
	if b.URL.Scheme == "https" || b.URL.Scheme == "wss" {
		d := &net.Dialer{Timeout: timeout}
		tlsCfg := &tls.Config{ServerName: b.URL.Hostname(), InsecureSkipVerify: e.cfg.InsecureSkipVerify}
		upstream, err = tls.DialWithDialer(d, "tcp", addr, tlsCfg)
	} else {
		upstream, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return err
	}

	// Replay the handshake request on the upstream socket. The
	// Connection/Upgrade headers were preserved on the original.
	out := r.Clone(r.Context())
	out.URL.Scheme = "http"
	out.URL.Host = b.URL.Host
	out.Host = b.URL.Host
	out.RequestURI = ""
	out.Body = nil
	out.ContentLength = 0
	if err := out.Write(upstream); err != nil {
		upstream.Close()
		return err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		return errNotHijackable
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return err
	}

	go func() {
		defer client.Close()
		defer upstream.Close()
		// Upstream's 101 response and all later frames flow through.
		io.Copy(client, upstream)
	}()
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(upstream, buf)
	}()
	return nil
}

var errNotHijackable = &notHijackableError{}

type notHijackableError struct{}

func (*notHijackableError) Error() string { return "response writer does not support hijacking" }
