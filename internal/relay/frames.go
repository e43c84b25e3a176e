package relay

import "encoding/json"

// Frame types exchanged as JSON text messages over a tunnel's WebSocket.
const (
	FrameChallenge    = "challenge"
	FrameAuth         = "auth"
	FrameAuthOK       = "auth_ok"
	FrameAuthError    = "auth_error"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameRequest      = "request"
	FrameResponse     = "response"
	FrameStreamStart  = "stream_start"
	FrameStreamChunk  = "stream_chunk"
	FrameStreamEnd    = "stream_end"
	FrameRequestChal  = "request_challenge"
	FrameAddAgent     = "add_agent"
	FrameAgentAdded   = "agent_added"
	FrameRemoveAgent  = "remove_agent"
	FrameAgentRemoved = "agent_removed"
	FrameError        = "error"
)

// AgentCredential is one address/signature pair carried by auth frames.
type AgentCredential struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// AgentRef is an (address, url) pair reported back to the agent.
type AgentRef struct {
	Address string `json:"address"`
	URL     string `json:"url"`
}

// RejectedAgent reports why one address in a batch auth was refused.
type RejectedAgent struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Frame is the single envelope for every tunnel wire message. Only the
// fields relevant to Type carry data; the rest are zero. "agents" is
// overloaded on the wire (credentials incoming on auth, address/url pairs
// outgoing on auth_ok), so Frame carries it as two distinctly-named Go
// fields and implements its own JSON codec to present a single "agents" key.
type Frame struct {
	Type string `json:"type"`

	// challenge / request_challenge
	Nonce string `json:"nonce,omitempty"`

	// auth (incoming "agents")
	Credentials []AgentCredential `json:"-"`
	Timestamp   int64             `json:"timestamp,omitempty"`

	// auth_ok (outgoing "agents")
	Accepted []AgentRef      `json:"-"`
	Rejected []RejectedAgent `json:"rejected,omitempty"`

	// auth_error / error
	Error string `json:"error,omitempty"`

	// ping / pong
	Ts int64 `json:"ts,omitempty"`

	// request / response / stream_start / stream_chunk / stream_end
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`
	Data    string            `json:"data,omitempty"`

	// add_agent / agent_added / agent_removed / remove_agent
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
	URL       string `json:"url,omitempty"`
}

// frameWire is the on-the-wire shape; "agents" is a raw message decoded into
// either Credentials or Accepted depending on Type.
type frameWire struct {
	Type      string            `json:"type"`
	Nonce     string            `json:"nonce,omitempty"`
	Agents    json.RawMessage   `json:"agents,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Rejected  []RejectedAgent   `json:"rejected,omitempty"`
	Error     string            `json:"error,omitempty"`
	Ts        int64             `json:"ts,omitempty"`
	ID        string            `json:"id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`
	Data      string            `json:"data,omitempty"`
	Address   string            `json:"address,omitempty"`
	Signature string            `json:"signature,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// MarshalJSON renders Frame to its wire shape, choosing which slice feeds
// the "agents" key based on Type.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := frameWire{
		Type:      f.Type,
		Nonce:     f.Nonce,
		Timestamp: f.Timestamp,
		Rejected:  f.Rejected,
		Error:     f.Error,
		Ts:        f.Ts,
		ID:        f.ID,
		Method:    f.Method,
		Path:      f.Path,
		Headers:   f.Headers,
		Body:      f.Body,
		Status:    f.Status,
		Data:      f.Data,
		Address:   f.Address,
		Signature: f.Signature,
		URL:       f.URL,
	}
	switch {
	case f.Credentials != nil:
		raw, err := json.Marshal(f.Credentials)
		if err != nil {
			return nil, err
		}
		w.Agents = raw
	case f.Accepted != nil:
		raw, err := json.Marshal(f.Accepted)
		if err != nil {
			return nil, err
		}
		w.Agents = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape, routing "agents" into Credentials for
// an auth frame and into Accepted for an auth_ok frame (the only two frame
// types the relay ever decodes "agents" from either side of).
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w frameWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Frame{
		Type:      w.Type,
		Nonce:     w.Nonce,
		Timestamp: w.Timestamp,
		Rejected:  w.Rejected,
		Error:     w.Error,
		Ts:        w.Ts,
		ID:        w.ID,
		Method:    w.Method,
		Path:      w.Path,
		Headers:   w.Headers,
		Body:      w.Body,
		Status:    w.Status,
		Data:      w.Data,
		Address:   w.Address,
		Signature: w.Signature,
		URL:       w.URL,
	}
	if len(w.Agents) == 0 {
		return nil
	}
	switch w.Type {
	case FrameAuthOK:
		return json.Unmarshal(w.Agents, &f.Accepted)
	default:
		return json.Unmarshal(w.Agents, &f.Credentials)
	}
}
