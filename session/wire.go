// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/registry"
)

// request is one protocol envelope sent by a client.
type request struct {
	ID     uint64          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is one protocol envelope sent by a server. Exactly one of
// Result and Error is set.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *point.Fault    `json:"error,omitempty"`
}

// loginParams carries the credentials of a login operation.
type loginParams struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// helloParams identifies the client when the connection opens.
type helloParams struct {
	Client string `json:"client"`
}

const dialTimeout = 10 * time.Second

// Caller is the client side of a session: a remote WebSocket connection
// or, on a private registry, the served session itself.
type Caller interface {
	// Call performs one operation. Params is marshalled into the
	// request envelope; when result is non-nil the response result is
	// unmarshalled into it. Faults reported by the server come back as
	// their sentinel errors.
	Call(ctx context.Context, op string, params any, result any) error
	Close() error
}

// Conn is a remote session connection. Operations are serialized: the
// protocol is strict request/response.
type Conn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	nextID atomic.Uint64
	closed bool
}

// Dial connects to an exported session factory and identifies the
// client. The endpoint mode selects the transport security.
func Dial(ctx context.Context, endpoint registry.Endpoint, security *SecurityContext, clientName string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	url := endpoint.URL
	if endpoint.Mode != registry.ModeLocal {
		url = strings.Replace(url, "ws://", "wss://", 1)
		tlsConfig, err := security.ClientTLSConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
	}

	header := http.Header{}
	ws, httpResponse, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if httpResponse != nil {
			err = fmt.Errorf("%w (status %s)", err, httpResponse.Status)
		}
		return nil, errors.NewSessionError("dial", clientName, err)
	}

	conn := &Conn{ws: ws}
	if err := conn.Call(ctx, "hello", helloParams{Client: clientName}, nil); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}

// Call implements Caller.
func (c *Conn) Call(ctx context.Context, op string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.NewSessionError(op, "", errors.ErrServiceClosed)
	}

	envelope := request{ID: c.nextID.Add(1), Op: op}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return errors.NewSessionError(op, "", err)
		}
		envelope.Params = encoded
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
		_ = c.ws.SetReadDeadline(time.Time{})
	}

	if err := c.ws.WriteJSON(envelope); err != nil {
		return errors.NewSessionError(op, "", err)
	}

	var reply response
	for {
		if err := c.ws.ReadJSON(&reply); err != nil {
			return errors.NewSessionError(op, "", err)
		}
		if reply.ID == envelope.ID {
			break
		}
		// Stale reply from an abandoned call; skip it.
	}

	if reply.Error != nil {
		return errors.NewSessionError(op, "", reply.Error.Err())
	}
	if result != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return errors.NewSessionError(op, "", err)
		}
	}
	return nil
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

// localCaller adapts a served session into a Caller for private
// registries. Parameters still round-trip through JSON so that local and
// remote sessions behave identically, but no socket is involved.
type localCaller struct {
	session Session
}

// NewLocalCaller wraps a session obtained from a private registry.
func NewLocalCaller(session Session) Caller {
	return &localCaller{session: session}
}

func (c *localCaller) Call(ctx context.Context, op string, params any, result any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return errors.NewSessionError(op, "", err)
		}
		raw = encoded
	}

	value, err := c.session.Handle(ctx, op, raw)
	if err != nil {
		return err
	}
	if result != nil && value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			return errors.NewSessionError(op, "", err)
		}
		if err := json.Unmarshal(encoded, result); err != nil {
			return errors.NewSessionError(op, "", err)
		}
	}
	return nil
}

func (c *localCaller) Close() error {
	return c.session.Close()
}
