package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/osaurus-ai/osaurus-relay/internal/safego"
)

const maxBodyBytes = 10 << 20 // 10 MiB

var strippedRequestHeaders = map[string]struct{}{
	"host":               {},
	"cookie":             {},
	"authorization":      {},
	"proxy-authorization": {},
	"x-forwarded-proto":  {},
	"x-forwarded-host":   {},
	"x-forwarded-port":   {},
	"x-real-ip":          {},
}

var hopByHopHeaders = map[string]struct{}{
	"transfer-encoding":   {},
	"connection":          {},
	"keep-alive":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
}

// streamSink is the producer side of an io.Pipe feeding an HTTP response
// body. The tunnel's dispatch goroutine is the sole writer; the HTTP
// handler's io.Copy from the read side is the sole reader.
type streamSink struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newStreamSink() *streamSink {
	pr, pw := io.Pipe()
	return &streamSink{pr: pr, pw: pw}
}

func (s *streamSink) write(p []byte) {
	// A write racing a closed pipe (reader gone, idle-timed-out) is
	// expected and silently discarded; there is no one left to report it to.
	_, _ = s.pw.Write(p)
}

func (s *streamSink) closeOK()           { _ = s.pw.Close() }
func (s *streamSink) closeErr(err error) { _ = s.pw.CloseWithError(err) }

// Multiplexer submits HTTP requests onto tunnels looked up from a Registry
// and turns tunnel replies back into HTTP responses, buffered or streamed.
type Multiplexer struct {
	registry *Registry
}

// NewMultiplexer returns a Multiplexer backed by registry.
func NewMultiplexer(registry *Registry) *Multiplexer {
	return &Multiplexer{registry: registry}
}

// relayError is returned by Submit for every condition that must short-
// circuit the request with a specific status code and JSON body, so the
// Router can write it directly without re-deriving the status.
type relayError struct {
	status int
	code   string
}

func (e *relayError) Error() string { return e.code }

func newRelayError(status int, code string) *relayError { return &relayError{status: status, code: code} }

// AsRelayError unwraps err into a status/code pair if it originated from
// Submit, so callers can format the {"error": code} body.
func AsRelayError(err error) (status int, code string, ok bool) {
	re, ok := err.(*relayError)
	if !ok {
		return 0, "", false
	}
	return re.status, re.code, true
}

// Submit relays one HTTP request to the tunnel owning address and writes
// the agent's reply onto w. clientIP is injected as x-forwarded-for.
func (m *Multiplexer) Submit(ctx context.Context, address Address, clientIP string, w http.ResponseWriter, r *http.Request) error {
	tun, ok := m.registry.Lookup(address)
	if !ok {
		return newRelayError(http.StatusBadGateway, "agent_offline")
	}

	if cl := r.ContentLength; cl > maxBodyBytes {
		return newRelayError(http.StatusRequestEntityTooLarge, "body_too_large")
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return newRelayError(http.StatusBadGateway, "body_read_failed")
	}
	if len(bodyBytes) > maxBodyBytes {
		return newRelayError(http.StatusRequestEntityTooLarge, "body_too_large")
	}

	headers := sanitizeRequestHeaders(r.Header, address, clientIP)

	id := uuid.NewString()
	done := make(chan frameResult, 1)

	sendErr := tun.SendRequest(ctx,
		Frame{
			Type:    FrameRequest,
			ID:      id,
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Headers: headers,
			Body:    string(bodyBytes),
		},
		func() { done <- frameResult{err: newRelayError(http.StatusGatewayTimeout, "gateway_timeout")} },
		func(res frameResult) { done <- res },
	)
	if sendErr != nil {
		return newRelayError(http.StatusBadGateway, "tunnel_send_failed")
	}

	select {
	case <-ctx.Done():
		tun.CancelRequest(id)
		return newRelayError(http.StatusBadGateway, "client_disconnected")
	case res := <-done:
		return m.writeResult(ctx, tun, id, res, w)
	}
}

func (m *Multiplexer) writeResult(ctx context.Context, tun *Tunnel, id string, res frameResult, w http.ResponseWriter) error {
	if res.err != nil {
		return res.err
	}

	header := w.Header()
	for k, v := range res.headers {
		lk := strings.ToLower(k)
		if _, stripped := hopByHopHeaders[lk]; stripped {
			continue
		}
		header.Set(k, v)
	}
	header.Set("access-control-allow-origin", "*")
	header.Set("access-control-expose-headers", "*")

	if !res.streamed {
		status := res.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, res.body)
		return nil
	}

	sink := newStreamSink()
	tun.registerStream(id, sink)

	status := res.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	// io.Copy alone can't tell "client went away" from "stream ended
	// normally" apart, and won't notice a disconnect until its next write
	// fails. Race it against the request context so a client disconnect
	// promptly cancels the stream on the tunnel side too — otherwise the
	// entry lingers in the tunnel's stream table and the next stream_chunk
	// blocks the read loop writing into an unread pipe.
	copyDone := make(chan struct{})
	safego.Go(tun.logger, func() {
		_, _ = io.Copy(w, sink.pr)
		close(copyDone)
	})

	select {
	case <-ctx.Done():
		tun.cancelStream(id, errors.New("client disconnected"))
		<-copyDone
	case <-copyDone:
	}
	return nil
}

// sanitizeRequestHeaders builds the outbound header map: drop a fixed set
// plus anything fly-/cf- prefixed, lowercase surviving keys, and inject the
// agent address and client IP.
func sanitizeRequestHeaders(h http.Header, address Address, clientIP string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		lk := strings.ToLower(k)
		if _, dropped := strippedRequestHeaders[lk]; dropped {
			continue
		}
		if strings.HasPrefix(lk, "fly-") || strings.HasPrefix(lk, "cf-") {
			continue
		}
		if len(v) > 0 {
			out[lk] = v[0]
		}
	}
	out["x-agent-address"] = string(address)
	out["x-forwarded-for"] = clientIP
	return out
}

// ClientIP extracts the caller's address per the Router's precedence:
// fly-client-ip, then the first hop of x-forwarded-for, then the raw peer
// address.
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("fly-client-ip"); v != "" {
		return v
	}
	if v := r.Header.Get("x-forwarded-for"); v != "" {
		return strings.TrimSpace(strings.Split(v, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
