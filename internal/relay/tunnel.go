package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/osaurus-ai/osaurus-relay/internal/auth"
	"github.com/osaurus-ai/osaurus-relay/internal/safego"
)

const (
	maxAgentsPerTunnel = 50
	authTimeout        = 10 * time.Second
	pingInterval       = 15 * time.Second
	maxMissedPongs     = 3
	addAgentNonceTTL   = 30 * time.Second
	requestDeadline    = 30 * time.Second
	streamIdleTimeout  = 30 * time.Second

	// maxFrameBytes bounds a single inbound WebSocket message, generously
	// over maxBodyBytes so a full request/response body still fits under the
	// JSON envelope and header overhead.
	maxFrameBytes = maxBodyBytes + (64 << 10)
)

// errMalformedFrame marks a frame that read off the wire intact but failed
// to decode as JSON, distinct from a transport-level read error.
var errMalformedFrame = errors.New("malformed frame")

// WebSocket close codes used on the wire, per the handshake/auth contract.
// 4000/4001 are relay-specific application codes; the keepalive-timeout and
// shutdown codes reuse the standard RFC 6455 codes the library exposes.
const (
	closeMalformedHandshake websocket.StatusCode = 4000
	closeAuthFailed         websocket.StatusCode = 4001
	closeKeepaliveTimeout                        = websocket.StatusNormalClosure
)

type tunnelState int

const (
	stateAwaitingAuth tunnelState = iota
	stateAuthenticated
	stateClosed
)

// inFlight is one HTTP request awaiting a reply from the agent.
type inFlight struct {
	complete func(resp frameResult)
	deadline *time.Timer
}

// frameResult is what an InFlight or Stream resolves to: a buffered response
// or the signal that a stream has started.
type frameResult struct {
	status   int
	headers  map[string]string
	body     string
	streamed bool
	err      error
}

// stream is a response-in-progress being fed by stream_chunk frames.
type stream struct {
	sink      *streamSink
	idleTimer *time.Timer
}

// Tunnel is one authenticated (or authenticating) WebSocket connection to an
// agent runtime. All mutable state is owned by the tunnel and serialized
// behind mu; the read loop and the Multiplexer's Send calls are the only
// writers.
type Tunnel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	registry   *Registry
	verifyNow  func() time.Time
	baseDomain string

	mu              sync.Mutex
	state           tunnelState
	agents          map[Address]struct{}
	inFlight        map[string]*inFlight
	streams         map[string]*stream
	pendingNonce    string
	pendingNonceExp *time.Timer
	missedPongs     int
	pingTimer       *time.Timer
	closeOnce       sync.Once
	writeMu         sync.Mutex

	// closed is closed exactly once, when teardown completes, so callers
	// (Multiplexer) waiting on InFlight entries can also observe shutdown.
	closed chan struct{}
}

// NewTunnel wraps an already-upgraded WebSocket connection and begins its
// challenge/auth handshake. Callers must invoke Run to drive the read loop.
func NewTunnel(conn *websocket.Conn, registry *Registry, baseDomain string, logger *slog.Logger) *Tunnel {
	conn.SetReadLimit(maxFrameBytes)
	return &Tunnel{
		conn:       conn,
		logger:     logger,
		registry:   registry,
		baseDomain: baseDomain,
		verifyNow:  time.Now,
		state:      stateAwaitingAuth,
		agents:     make(map[Address]struct{}),
		inFlight:   make(map[string]*inFlight),
		streams:    make(map[string]*stream),
		closed:     make(chan struct{}),
	}
}

// Run issues the initial challenge, arms the auth timer, and then drives the
// tunnel's read loop until the socket closes or teardown is triggered. It
// blocks until the tunnel is fully torn down.
func (t *Tunnel) Run(ctx context.Context) {
	nonce, err := auth.GenerateNonce()
	if err != nil {
		t.logger.Error("generate challenge nonce", "error", err)
		t.teardown(closeMalformedHandshake, "internal_error")
		return
	}

	t.mu.Lock()
	t.pendingNonce = nonce
	authTimer := time.AfterFunc(authTimeout, safego.Guard(t.logger, func() {
		t.mu.Lock()
		state := t.state
		t.mu.Unlock()
		if state != stateAwaitingAuth {
			return
		}
		t.logger.Warn("tunnel auth timeout")
		t.sendAuthError(ctx, "auth_timeout")
		t.teardown(closeAuthFailed, "auth_timeout")
	}))
	t.mu.Unlock()

	if err := t.send(ctx, Frame{Type: FrameChallenge, Nonce: nonce}); err != nil {
		authTimer.Stop()
		t.teardown(closeMalformedHandshake, "send_challenge_failed")
		return
	}

	t.readLoop(ctx, authTimer)
	authTimer.Stop()
}

// readFrame reads one raw WebSocket message and decodes it as a Frame,
// keeping transport failures (connection closed, read-limit exceeded)
// distinct from a message that arrived intact but didn't parse, which
// readLoop treats very differently post-auth.
func (t *Tunnel) readFrame(ctx context.Context) (Frame, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return f, nil
}

// readLoop reads frames until the socket errs or closes, dispatching each to
// its handler. authTimer is the auth-phase timer; it is stopped as soon as
// the auth frame arrives.
func (t *Tunnel) readLoop(ctx context.Context, authTimer *time.Timer) {
	for {
		f, err := t.readFrame(ctx)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				t.mu.Lock()
				state := t.state
				t.mu.Unlock()
				if state == stateAwaitingAuth {
					t.sendAuthError(ctx, "malformed_frame")
					t.teardown(closeMalformedHandshake, "malformed_frame")
					return
				}
				t.logger.Debug("dropping malformed frame", "error", err)
				continue
			}
			t.teardown(closeKeepaliveTimeout, "socket_closed")
			return
		}

		t.mu.Lock()
		state := t.state
		t.mu.Unlock()

		if state == stateAwaitingAuth {
			if f.Type != FrameAuth {
				t.sendAuthError(ctx, "expected_auth")
				t.teardown(closeMalformedHandshake, "expected_auth")
				return
			}
			if authTimer != nil {
				authTimer.Stop()
			}
			if !t.handleAuth(ctx, f) {
				return
			}
			continue
		}

		t.dispatchAuthenticated(ctx, f)
	}
}

// dispatchAuthenticated handles one frame while in the Authenticated state.
// Unknown types are dropped silently, per the framing contract.
func (t *Tunnel) dispatchAuthenticated(ctx context.Context, f Frame) {
	switch f.Type {
	case FramePong:
		t.mu.Lock()
		t.missedPongs = 0
		t.mu.Unlock()
	case FrameResponse:
		t.handleResponse(f)
	case FrameStreamStart:
		t.handleStreamStart(f)
	case FrameStreamChunk:
		t.handleStreamChunk(f)
	case FrameStreamEnd:
		t.handleStreamEnd(f)
	case FrameRequestChal:
		t.handleRequestChallenge(ctx)
	case FrameAddAgent:
		t.handleAddAgent(ctx, f)
	case FrameRemoveAgent:
		t.handleRemoveAgent(ctx, f)
	default:
		t.logger.Debug("dropping unknown frame while authenticated", "type", f.Type)
	}
}

// handleAuth processes the single `auth` frame allowed in AwaitingAuth.
// Returns false if the tunnel was torn down as a result.
func (t *Tunnel) handleAuth(ctx context.Context, f Frame) bool {
	t.mu.Lock()
	nonce := t.pendingNonce
	t.mu.Unlock()

	if f.Nonce != nonce || nonce == "" {
		t.sendAuthError(ctx, "invalid_nonce")
		t.teardown(closeAuthFailed, "invalid_nonce")
		return false
	}
	if len(f.Credentials) == 0 {
		t.sendAuthError(ctx, "no_agents")
		t.teardown(closeAuthFailed, "no_agents")
		return false
	}
	if len(f.Credentials) > maxAgentsPerTunnel {
		t.sendAuthError(ctx, "too_many_agents")
		t.teardown(closeAuthFailed, "too_many_agents")
		return false
	}

	creds := make(map[string]string, len(f.Credentials))
	for _, c := range f.Credentials {
		creds[c.Address] = c.Signature
	}
	results, allOK := auth.VerifyAll(creds, f.Nonce, f.Timestamp, t.verifyNow())
	if !allOK {
		t.sendAuthError(ctx, "invalid_signature")
		t.teardown(closeAuthFailed, "invalid_signature")
		return false
	}

	var accepted []AgentRef
	var rejected []RejectedAgent
	t.mu.Lock()
	t.pendingNonce = ""
	for _, r := range results {
		addr := Address(r.Address)
		if !t.registry.Register(addr, t) {
			rejected = append(rejected, RejectedAgent{Address: r.Address, Reason: "already_registered"})
			continue
		}
		t.agents[addr] = struct{}{}
		accepted = append(accepted, AgentRef{Address: r.Address, URL: Address(r.Address).URL(t.baseDomain)})
	}
	t.state = stateAuthenticated
	t.mu.Unlock()

	if err := t.send(ctx, Frame{Type: FrameAuthOK, Accepted: accepted, Rejected: rejected}); err != nil {
		t.teardown(closeMalformedHandshake, "send_auth_ok_failed")
		return false
	}

	t.armPing(ctx)
	return true
}

func (t *Tunnel) sendAuthError(ctx context.Context, reason string) {
	_ = t.send(ctx, Frame{Type: FrameAuthError, Error: reason})
}

// armPing schedules the next keepalive tick.
func (t *Tunnel) armPing(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateAuthenticated {
		return
	}
	t.pingTimer = time.AfterFunc(pingInterval, safego.Guard(t.logger, func() { t.onPingTick(ctx) }))
}

func (t *Tunnel) onPingTick(ctx context.Context) {
	t.mu.Lock()
	if t.state != stateAuthenticated {
		t.mu.Unlock()
		return
	}
	missed := t.missedPongs
	if missed < maxMissedPongs {
		t.missedPongs++
	}
	t.mu.Unlock()

	if missed >= maxMissedPongs {
		t.teardown(closeKeepaliveTimeout, "keepalive_timeout")
		return
	}

	if err := t.send(ctx, Frame{Type: FramePing, Ts: time.Now().Unix()}); err != nil {
		t.teardown(closeKeepaliveTimeout, "ping_send_failed")
		return
	}
	t.armPing(ctx)
}

// handleRequestChallenge mints a fresh add-agent nonce, replacing any
// previous pending slot.
func (t *Tunnel) handleRequestChallenge(ctx context.Context) {
	nonce, err := auth.GenerateNonce()
	if err != nil {
		t.logger.Error("generate add-agent nonce", "error", err)
		return
	}

	t.mu.Lock()
	if t.pendingNonceExp != nil {
		t.pendingNonceExp.Stop()
	}
	t.pendingNonce = nonce
	t.pendingNonceExp = time.AfterFunc(addAgentNonceTTL, safego.Guard(t.logger, func() {
		t.mu.Lock()
		if t.pendingNonce == nonce {
			t.pendingNonce = ""
		}
		t.mu.Unlock()
	}))
	t.mu.Unlock()

	_ = t.send(ctx, Frame{Type: FrameChallenge, Nonce: nonce})
}

// handleAddAgent validates and registers one additional address on an
// already-authenticated tunnel.
func (t *Tunnel) handleAddAgent(ctx context.Context, f Frame) {
	t.mu.Lock()
	nonce := t.pendingNonce
	ownedCount := len(t.agents)
	t.mu.Unlock()

	if f.Nonce != nonce || nonce == "" {
		_ = t.send(ctx, Frame{Type: FrameError, Error: "invalid_nonce"})
		return
	}
	if ownedCount >= maxAgentsPerTunnel {
		_ = t.send(ctx, Frame{Type: FrameError, Error: "max_agents_reached"})
		return
	}

	result := auth.Verify(f.Address, f.Signature, f.Nonce, f.Timestamp, t.verifyNow())
	if !result.OK {
		_ = t.send(ctx, Frame{Type: FrameError, Error: "invalid_signature"})
		return
	}

	addr := Address(result.Address)
	if !t.registry.Register(addr, t) {
		_ = t.send(ctx, Frame{Type: FrameError, Error: "address_already_registered"})
		return
	}

	t.mu.Lock()
	t.pendingNonce = ""
	if t.pendingNonceExp != nil {
		t.pendingNonceExp.Stop()
	}
	t.agents[addr] = struct{}{}
	t.mu.Unlock()

	_ = t.send(ctx, Frame{Type: FrameAgentAdded, Address: string(addr), URL: addr.URL(t.baseDomain)})
}

// handleRemoveAgent unregisters one address this tunnel owns.
func (t *Tunnel) handleRemoveAgent(ctx context.Context, f Frame) {
	addr, ok := CanonicalizeAddress(f.Address)
	if !ok {
		return
	}
	t.mu.Lock()
	_, owned := t.agents[addr]
	if owned {
		delete(t.agents, addr)
	}
	t.mu.Unlock()
	if !owned {
		return
	}

	t.registry.Unregister(addr, t)
	_ = t.send(ctx, Frame{Type: FrameAgentRemoved, Address: string(addr)})
}

// handleResponse completes a buffered InFlight request.
func (t *Tunnel) handleResponse(f Frame) {
	t.mu.Lock()
	in, ok := t.inFlight[f.ID]
	if ok {
		delete(t.inFlight, f.ID)
		in.deadline.Stop()
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	in.complete(frameResult{status: f.Status, headers: f.Headers, body: f.Body})
}

// handleStreamStart transitions an InFlight into a Stream.
func (t *Tunnel) handleStreamStart(f Frame) {
	t.mu.Lock()
	in, ok := t.inFlight[f.ID]
	if ok {
		delete(t.inFlight, f.ID)
		in.deadline.Stop()
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	in.complete(frameResult{status: f.Status, headers: f.Headers, streamed: true})

	// The sink is created by the Multiplexer once it receives this result and
	// handed back via registerStream so handleStreamChunk/End can find it.
}

// registerStream attaches a created stream sink under id, arming its idle
// timer. Called by the Multiplexer once it has built the HTTP response.
func (t *Tunnel) registerStream(id string, sink *streamSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams[id] = &stream{
		sink:      sink,
		idleTimer: time.AfterFunc(streamIdleTimeout, safego.Guard(t.logger, func() { t.expireStream(id) })),
	}
}

func (t *Tunnel) expireStream(id string) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if ok {
		s.sink.closeOK()
	}
}

// cancelStream removes id from the stream table and fails its sink with
// err, used when the HTTP client goes away mid-stream so that a
// stream_chunk frame arriving afterward is discarded by handleStreamChunk
// instead of blocking on a write into an unread pipe.
func (t *Tunnel) cancelStream(id string, err error) {
	t.mu.Lock()
	s, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
		s.idleTimer.Stop()
	}
	t.mu.Unlock()
	if ok {
		s.sink.closeErr(err)
	}
}

func (t *Tunnel) handleStreamChunk(f Frame) {
	t.mu.Lock()
	s, ok := t.streams[f.ID]
	if ok {
		s.idleTimer.Reset(streamIdleTimeout)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.sink.write([]byte(f.Data))
}

func (t *Tunnel) handleStreamEnd(f Frame) {
	t.mu.Lock()
	s, ok := t.streams[f.ID]
	if ok {
		delete(t.streams, f.ID)
		s.idleTimer.Stop()
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.sink.closeOK()
}

// send writes one frame, serialized against concurrent writers (the read
// loop and Multiplexer-originated sends both call this).
func (t *Tunnel) send(ctx context.Context, f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsjson.Write(ctx, t.conn, f)
}

// SendRequest writes a `request` frame for a Multiplexer-initiated HTTP
// call, registering it in the in-flight table with a deadline that, on
// firing, completes the request with a 504 gateway_timeout.
func (t *Tunnel) SendRequest(ctx context.Context, f Frame, onDeadline func(), complete func(frameResult)) error {
	t.mu.Lock()
	if t.state != stateAuthenticated {
		t.mu.Unlock()
		return fmt.Errorf("tunnel not authenticated")
	}
	deadline := time.AfterFunc(requestDeadline, safego.Guard(t.logger, onDeadline))
	t.inFlight[f.ID] = &inFlight{complete: complete, deadline: deadline}
	t.mu.Unlock()

	if err := t.send(ctx, f); err != nil {
		t.mu.Lock()
		delete(t.inFlight, f.ID)
		t.mu.Unlock()
		deadline.Stop()
		return err
	}
	return nil
}

// CancelRequest removes an in-flight entry without sending anything
// further, used when the HTTP client goes away before a reply arrives.
func (t *Tunnel) CancelRequest(id string) {
	t.mu.Lock()
	if in, ok := t.inFlight[id]; ok {
		delete(t.inFlight, id)
		in.deadline.Stop()
	}
	t.mu.Unlock()
}

// Owns reports whether addr is currently in this tunnel's own agent set.
func (t *Tunnel) Owns(addr Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.agents[addr]
	return ok
}

// Closed returns a channel closed once teardown has fully run.
func (t *Tunnel) Closed() <-chan struct{} { return t.closed }

// Shutdown tears the tunnel down for process shutdown, matching the
// teacher's WSServer.Stop which closes every tunnel with StatusGoingAway.
func (t *Tunnel) Shutdown() {
	t.teardown(websocket.StatusGoingAway, "server shutting down")
}

// teardown is deterministic and idempotent: it cancels every timer this
// tunnel owns, fails every in-flight request and stream, unregisters every
// address it still owns (honoring the Registry's "only if still mine"
// rule), and closes the socket.
func (t *Tunnel) teardown(code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = stateClosed

		if t.pingTimer != nil {
			t.pingTimer.Stop()
		}
		if t.pendingNonceExp != nil {
			t.pendingNonceExp.Stop()
		}

		inFlightCopy := t.inFlight
		t.inFlight = make(map[string]*inFlight)
		streamsCopy := t.streams
		t.streams = make(map[string]*stream)
		addrs := make([]Address, 0, len(t.agents))
		for a := range t.agents {
			addrs = append(addrs, a)
		}
		t.agents = make(map[Address]struct{})
		t.mu.Unlock()

		for _, in := range inFlightCopy {
			in.deadline.Stop()
			in.complete(frameResult{status: 502, body: `{"error":"tunnel_closed"}`})
		}
		for _, s := range streamsCopy {
			s.idleTimer.Stop()
			s.sink.closeErr(fmt.Errorf("tunnel_closed"))
		}
		for _, addr := range addrs {
			t.registry.Unregister(addr, t)
		}

		_ = t.conn.Close(code, reason)
		close(t.closed)
	})
}
