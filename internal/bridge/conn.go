// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type role string

const (
	roleProvider role = "provider"
	roleClient   role = "client"
)

// Keepalive tuning. The read deadline is refreshed on every pong, so a
// peer that stops answering pings is detected within pongDelay.
const (
	writeWait  = 10 * time.Second
	pongDelay  = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// conn wraps one websocket connection to a peer. The sending mutex
// serialises data frames; control frames are written by the ping loop,
// which gorilla permits concurrently with data writes.
type conn struct {
	id   string
	role role
	ws   *websocket.Conn

	// sending guards WriteJSON so handlers and relays on different
	// goroutines never interleave frames.
	sending sync.Mutex
}

func newConn(ws *websocket.Conn, r role) *conn {
	return &conn{
		id:   uuid.NewString(),
		role: r,
		ws:   ws,
	}
}

// send writes one envelope to the peer. Errors are returned so callers
// can decide whether they matter; a dead peer is detected by the read
// loop regardless.
func (c *conn) send(msg interface{}) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.ws.WriteJSON(msg)
}

// close closes the underlying websocket, unblocking the read loop.
func (c *conn) close() {
	_ = c.ws.Close()
}
