// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bridge implements the relay at the centre of idb-remote: it
// accepts provider and client websocket connections, keeps the directory
// of which domain provides which databases, and multiplexes concurrent
// request/response exchanges and long-lived record streams between the
// two sides. Peers know each other only by bridge-issued identifiers;
// the bridge is the only party holding both halves of any exchange.
package bridge

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/lightsofapollo/idb-remote/internal/address"
	"github.com/lightsofapollo/idb-remote/internal/wire"
)

var logger = loggo.GetLogger("idbremote.bridge")

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config holds the dependencies and parameters of a Bridge.
type Config struct {
	// ListenAddr is the TCP address to listen on, for example
	// "127.0.0.1:8099". Use port 0 to pick a free port and read it back
	// from Addr.
	ListenAddr string

	// Clock drives the websocket keepalive pings.
	Clock clock.Clock
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.NotValidf("empty ListenAddr")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Bridge is the relay worker. All mutable state is owned by the one
// instance and torn down with it; there are no package globals.
type Bridge struct {
	catacomb catacomb.Catacomb
	config   Config
	listener net.Listener
	hub      *pubsub.SimpleHub

	registry *registry
	pending  *pendingTable
	streams  *streamTable

	// mu guards the connection tables.
	mu      sync.Mutex
	conns   map[string]*conn
	clients map[string]*conn
}

// NewBridge starts a bridge listening on the configured address.
func NewBridge(config Config) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, errors.Annotate(err, "bridge listen")
	}
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("idbremote.bridge.hub"),
	})
	b := &Bridge{
		config:   config,
		listener: listener,
		hub:      hub,
		registry: newRegistry(hub),
		pending:  newPendingTable(),
		streams:  newStreamTable(),
		conns:    make(map[string]*conn),
		clients:  make(map[string]*conn),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &b.catacomb,
		Work: b.loop,
	}); err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Kill is part of the worker.Worker interface.
func (b *Bridge) Kill() {
	b.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (b *Bridge) Wait() error {
	return b.catacomb.Wait()
}

// Addr returns the address the bridge is listening on.
func (b *Bridge) Addr() string {
	return b.listener.Addr().String()
}

// Report returns a snapshot of the bridge's tables for introspection.
func (b *Bridge) Report() map[string]interface{} {
	b.mu.Lock()
	conns := len(b.conns)
	clients := len(b.clients)
	b.mu.Unlock()
	b.registry.mu.Lock()
	providers := len(b.registry.providers)
	b.registry.mu.Unlock()
	b.pending.mu.Lock()
	pending := len(b.pending.entries)
	b.pending.mu.Unlock()
	b.streams.mu.Lock()
	streams := len(b.streams.entries)
	b.streams.mu.Unlock()
	return map[string]interface{}{
		"connections": conns,
		"clients":     clients,
		"providers":   providers,
		"pending":     pending,
		"streams":     streams,
	}
}

func (b *Bridge) loop() error {
	unsubscribe := []func(){
		b.hub.Subscribe(registeredTopic, b.onRegistered),
		b.hub.Subscribe(unregisteredTopic, b.onUnregistered),
	}
	defer func() {
		for _, unsub := range unsubscribe {
			unsub()
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/provider", b.handleWebsocket(roleProvider))
	router.HandleFunc("/client", b.handleWebsocket(roleClient))

	server := &http.Server{Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(b.listener)
	}()
	logger.Infof("bridge listening on %s", b.Addr())

	select {
	case <-b.catacomb.Dying():
		_ = server.Close()
		b.closeAllConns()
		<-serveErr
		return b.catacomb.ErrDying()
	case err := <-serveErr:
		return errors.Annotate(err, "bridge server")
	}
}

func (b *Bridge) handleWebsocket(r role) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocketUpgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Errorf("problem initiating websocket: %v", err)
			return
		}
		c := newConn(ws, r)
		logger.Debugf("%s connection %s from %s", c.role, c.id, req.RemoteAddr)
		b.addConn(c)
		defer b.connClosed(c)

		done := make(chan struct{})
		defer close(done)
		go b.pingLoop(c, done)

		b.readLoop(c)
	}
}

func (b *Bridge) addConn(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.id] = c
	if c.role == roleClient {
		b.clients[c.id] = c
	}
}

func (b *Bridge) isLive(c *conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[c.id]
	return ok
}

func (b *Bridge) closeAllConns() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// pingLoop keeps the websocket alive; the read deadline armed in
// readLoop trips if the peer stops answering.
func (b *Bridge) pingLoop(c *conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-b.config.Clock.After(pingPeriod):
			deadline := time.Now().Add(writeWait)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected when the peer goes away; the read loop
				// notices and cleans up.
				logger.Debugf("failed to write ping to %s: %v", c.id, err)
				return
			}
		}
	}
}

// readLoop processes messages from one connection strictly in arrival
// order until the peer disconnects. Bad commands are answered in-band
// and never close the connection.
func (b *Bridge) readLoop(c *conn) {
	ws := c.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongDelay))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongDelay))
	})
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("%s connection %s read error: %v", c.role, c.id, err)
			}
			return
		}
		if kind != websocket.TextMessage {
			// Binary payloads are unsupported; drop the frame.
			logger.Errorf("dropping %d byte non-text frame from %s connection %s", len(data), c.role, c.id)
			continue
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.sendError(c, errors.NotValidf("malformed message: %v", err))
			continue
		}
		if err := msg.Validate(); err != nil {
			b.sendError(c, err)
			continue
		}
		b.dispatch(c, &msg)
	}
}

func (b *Bridge) dispatch(c *conn, msg *wire.Message) {
	switch c.role {
	case roleProvider:
		b.dispatchProvider(c, msg)
	case roleClient:
		b.dispatchClient(c, msg)
	}
}

func (b *Bridge) dispatchProvider(c *conn, msg *wire.Message) {
	switch msg.Kind {
	case wire.KindRegister:
		b.handleRegister(c, msg)
	case wire.KindResponse:
		b.handleProviderResponse(c, msg)
	case wire.KindStream:
		b.handleStreamEvent(c, msg)
	case wire.KindError:
		logger.Debugf("provider %s reported: %s", c.id, msg.Error)
	default:
		b.sendError(c, errors.NotValidf("%q message from a provider", msg.Kind))
	}
}

func (b *Bridge) dispatchClient(c *conn, msg *wire.Message) {
	if msg.Kind == wire.KindError {
		logger.Debugf("client %s reported: %s", c.id, msg.Error)
		return
	}
	if msg.Kind != wire.KindRequest {
		b.sendError(c, errors.NotValidf("%q message from a client", msg.Kind))
		return
	}
	if msg.RequestID == 0 {
		b.sendError(c, errors.NotValidf("request without id"))
		return
	}
	switch msg.Command {
	case wire.CommandDatabases:
		b.handleDatabases(c, msg)
	case wire.CommandObjectStores:
		b.handleObjectStores(c, msg)
	case wire.CommandAll:
		b.handleAll(c, msg)
	default:
		b.respondErr(c, msg.RequestID, errors.NotValidf("command %q", msg.Command))
	}
}

func (b *Bridge) handleRegister(c *conn, msg *wire.Message) {
	var params wire.RegisterParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.sendError(c, errors.NotValidf("register params: %v", err))
		return
	}
	if err := b.registry.register(c, params.Domain, params.Databases); err != nil {
		b.sendError(c, err)
		return
	}
	logger.Debugf("registered %q with %d database(s) on connection %s",
		params.Domain, len(params.Databases), c.id)
}

func (b *Bridge) handleDatabases(c *conn, msg *wire.Message) {
	var params wire.DatabasesParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			b.respondErr(c, msg.RequestID, errors.NotValidf("databases params: %v", err))
			return
		}
	}
	var databases []string
	if params.Domain == "" {
		databases = b.registry.aggregate()
	} else {
		record, err := b.registry.lookup(params.Domain)
		if err != nil {
			b.respondErr(c, msg.RequestID, err)
			return
		}
		databases = append([]string(nil), record.databases...)
	}
	b.respond(c, msg.RequestID, wire.DatabasesResult{Databases: databases})
}

func (b *Bridge) handleObjectStores(c *conn, msg *wire.Message) {
	var params wire.ObjectStoresParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.respondErr(c, msg.RequestID, errors.NotValidf("objectStores params: %v", err))
		return
	}
	domain, database, err := address.Decode(params.Name)
	if err != nil {
		b.respondErr(c, msg.RequestID, err)
		return
	}
	// Resolve before allocating: an unknown domain creates no pending
	// state.
	record, err := b.registry.lookup(domain)
	if err != nil {
		b.respondErr(c, msg.RequestID, err)
		return
	}
	entry := b.pending.add(c, msg.RequestID, record.conn, wire.CommandObjectStores)
	forward, err := wire.NewRequest(entry.id, wire.CommandObjectStores, wire.StoresRequest{
		Database: database,
	})
	if err != nil {
		b.pending.take(entry.id)
		b.respondErr(c, msg.RequestID, err)
		return
	}
	if err := record.conn.send(forward); err != nil {
		b.pending.take(entry.id)
		b.respondErr(c, msg.RequestID, errors.Annotate(err, "forwarding to provider"))
	}
}

func (b *Bridge) handleAll(c *conn, msg *wire.Message) {
	var params wire.AllParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.respondErr(c, msg.RequestID, errors.NotValidf("all params: %v", err))
		return
	}
	domain, database, err := address.Decode(params.Name)
	if err != nil {
		b.respondErr(c, msg.RequestID, err)
		return
	}
	record, err := b.registry.lookup(domain)
	if err != nil {
		b.respondErr(c, msg.RequestID, err)
		return
	}
	session := b.streams.open(c, record.conn)
	// The client learns the stream id before the provider can emit for
	// it, so no event can reach the client ahead of the id.
	b.respond(c, msg.RequestID, wire.AllResult{StreamID: session.id})
	forward, err := wire.NewRequest(0, wire.CommandAll, wire.IterateRequest{
		Database: database,
		Store:    params.Store,
		StreamID: session.id,
		Options:  params.Options,
	})
	if err == nil {
		err = record.conn.send(forward)
	}
	if err != nil {
		b.streams.close(session.id)
		if sendErr := c.send(wire.NewStreamError(session.id, errors.Annotate(err, "forwarding to provider"))); sendErr != nil {
			logger.Debugf("failed to report stream %d failure to client %s: %v", session.id, c.id, sendErr)
		}
	}
}

func (b *Bridge) handleProviderResponse(c *conn, msg *wire.Message) {
	entry := b.pending.take(msg.RequestID)
	if entry == nil {
		// Late or duplicate response; the request was already dropped.
		logger.Debugf("dropping response %d from provider connection %s", msg.RequestID, c.id)
		return
	}
	if !b.isLive(entry.origin) {
		logger.Debugf("dropping %s response for disconnected client %s", entry.command, entry.origin.id)
		return
	}
	reply := &wire.Message{
		Kind:      wire.KindResponse,
		RequestID: entry.originReqID,
		Params:    msg.Params,
		Error:     msg.Error,
		ErrorCode: msg.ErrorCode,
	}
	if err := entry.origin.send(reply); err != nil {
		logger.Debugf("failed to relay response to client %s: %v", entry.origin.id, err)
	}
}

func (b *Bridge) handleStreamEvent(c *conn, msg *wire.Message) {
	session := b.streams.lookup(msg.StreamID)
	if session == nil || session.provider.id != c.id {
		// The provider is emitting for a stream we no longer track, or
		// one it never fed. Tell it and move on.
		b.sendError(c, errors.NotFoundf("stream %d", msg.StreamID))
		return
	}
	if err := session.owner.send(msg); err != nil {
		logger.Debugf("failed to relay stream %d event to client %s: %v",
			session.id, session.owner.id, err)
	}
	if msg.Terminal() {
		b.streams.close(session.id)
	}
}

// connClosed is the single disconnect notification: it walks every table
// by owning connection and purges what the dead peer owned.
func (b *Bridge) connClosed(c *conn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	delete(b.clients, c.id)
	b.mu.Unlock()
	logger.Debugf("%s connection %s closed", c.role, c.id)

	switch c.role {
	case roleClient:
		// Nothing to tell anyone: the provider keeps emitting until it
		// learns via an unknown-stream error, and the entries are gone.
		b.streams.purgeOwner(c.id)
		b.pending.purgeOrigin(c.id)
	case roleProvider:
		disconnected := errors.Errorf("provider disconnected")
		for _, entry := range b.pending.purgeProvider(c.id) {
			if b.isLive(entry.origin) {
				if err := entry.origin.send(wire.NewErrorResponse(entry.originReqID, disconnected)); err != nil {
					logger.Debugf("failed to fail request %d: %v", entry.originReqID, err)
				}
			}
		}
		for _, session := range b.streams.purgeProvider(c.id) {
			if b.isLive(session.owner) {
				if err := session.owner.send(wire.NewStreamError(session.id, disconnected)); err != nil {
					logger.Debugf("failed to fail stream %d: %v", session.id, err)
				}
			}
		}
		b.registry.unregisterConn(c)
	}
	c.close()
}

func (b *Bridge) onRegistered(topic string, data interface{}) {
	event, ok := data.(registeredEvent)
	if !ok {
		logger.Errorf("unexpected %s payload %T", topic, data)
		return
	}
	msg, err := wire.NewRegister(event.Domain, event.Databases)
	if err != nil {
		logger.Errorf("building register broadcast: %v", err)
		return
	}
	b.broadcast(msg)
}

func (b *Bridge) onUnregistered(topic string, data interface{}) {
	event, ok := data.(unregisteredEvent)
	if !ok {
		logger.Errorf("unexpected %s payload %T", topic, data)
		return
	}
	msg, err := wire.NewUnregister(event.Domain)
	if err != nil {
		logger.Errorf("building unregister broadcast: %v", err)
		return
	}
	b.broadcast(msg)
}

func (b *Bridge) broadcast(msg *wire.Message) {
	b.mu.Lock()
	clients := make([]*conn, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			logger.Debugf("failed to broadcast to client %s: %v", c.id, err)
		}
	}
}

func (b *Bridge) sendError(c *conn, err error) {
	logger.Debugf("answering %s connection %s with error: %v", c.role, c.id, err)
	if sendErr := c.send(wire.NewError(err)); sendErr != nil {
		logger.Debugf("failed to send error to %s: %v", c.id, sendErr)
	}
}

func (b *Bridge) respond(c *conn, id uint64, result interface{}) {
	msg, err := wire.NewResponse(id, result)
	if err != nil {
		msg = wire.NewErrorResponse(id, err)
	}
	if err := c.send(msg); err != nil {
		logger.Debugf("failed to respond to client %s: %v", c.id, err)
	}
}

func (b *Bridge) respondErr(c *conn, id uint64, err error) {
	logger.Debugf("failing request %d from client %s: %v", id, c.id, err)
	if sendErr := c.send(wire.NewErrorResponse(id, err)); sendErr != nil {
		logger.Debugf("failed to respond to client %s: %v", c.id, sendErr)
	}
}
