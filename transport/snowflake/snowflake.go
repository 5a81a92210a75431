// Package snowflake composes the Snowflake pluggable-transport stack:
// WebSocket transport, Turbo framing, KCP reliability, and SMUX-style
// stream multiplexing (here: github.com/hashicorp/yamux, the corpus's
// nearest ecosystem analogue — see transport/snowflake/smux for the
// bit-exact SMUX wire-format reference codec that documents, but does
// not carry, live traffic).
package snowflake

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/torclientgo/torclient/transport/snowflake/kcp"
	"github.com/torclientgo/torclient/transport/snowflake/turbo"
)

// conv is fixed: one KCP session per WebSocket connection, so there is
// no need to multiplex several conversations over one socket.
const conv = 1

// NewClientMux wraps an established WebSocket connection (the client
// side of a rendezvoused Snowflake session) in Turbo framing and KCP
// reliability, then opens a yamux client session over the result so
// the caller can Open() as many logical streams as it needs.
func NewClientMux(ctx context.Context, ws *websocket.Conn) (*yamux.Session, error) {
	kcpSess := newKCPSession(ctx, ws)
	ymux, err := yamux.Client(kcpSess, nil)
	if err != nil {
		return nil, fmt.Errorf("snowflake: yamux client: %w", err)
	}
	return ymux, nil
}

// NewServerMux is the server-side counterpart of NewClientMux, used by
// a Snowflake proxy terminating the WebRTC/WebSocket side of a
// rendezvoused connection.
func NewServerMux(ctx context.Context, ws *websocket.Conn) (*yamux.Session, error) {
	kcpSess := newKCPSession(ctx, ws)
	ymux, err := yamux.Server(kcpSess, nil)
	if err != nil {
		return nil, fmt.Errorf("snowflake: yamux server: %w", err)
	}
	return ymux, nil
}

func newKCPSession(ctx context.Context, ws *websocket.Conn) *kcp.Session {
	turboConn := turbo.NewConn(ws)
	sess := kcp.NewSession(turboConn, conv)
	sess.Run(ctx)
	return sess
}
