// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package client implements the client-side agent: a thin façade that
// turns method calls into wire commands sent to the bridge, and wire
// replies and stream events back into ordinary results and lazy record
// sequences.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/lightsofapollo/idb-remote/internal/wire"
)

var logger = loggo.GetLogger("idbremote.client")

// registrationTopic carries RegistrationChange events on the client's
// hub as provider registration broadcasts arrive.
const registrationTopic = "client.registration"

// RegistrationChange describes one provider directory change observed
// from the bridge's broadcasts.
type RegistrationChange struct {
	// Registered is true for a registration, false for an unregistration.
	Registered bool

	Domain    string
	Databases []string
}

// pendingCall is one request awaiting its response. The reply channel
// has capacity one and is closed without a reply if the connection dies.
// For "all" requests the read loop registers the stream before handing
// over the reply, so no stream event can be lost to a scheduling gap.
type pendingCall struct {
	reply    chan *wire.Message
	wantsAll bool
	stream   *Stream
}

// Client is a connection to the bridge's client endpoint.
type Client struct {
	catacomb catacomb.Catacomb
	ws       *websocket.Conn
	hub      *pubsub.SimpleHub

	// sending guards websocket writes.
	sending sync.Mutex

	// mu guards everything below.
	mu        sync.Mutex
	nextReqID uint64
	pending   map[uint64]*pendingCall
	streams   map[uint64]*Stream
	providers map[string][]string
	order     []string
	brokenErr error
}

// Dial connects to the bridge's client endpoint at the given base
// websocket URL, for example "ws://127.0.0.1:8099".
func Dial(ctx context.Context, bridgeURL string) (*Client, error) {
	base, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, errors.Annotatef(err, "bridge URL %q", bridgeURL)
	}
	endpoint := base.JoinPath("client").String()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "dialling bridge at %q", endpoint)
	}
	c := &Client{
		ws: ws,
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("idbremote.client.hub"),
		}),
		pending:   make(map[uint64]*pendingCall),
		streams:   make(map[uint64]*Stream),
		providers: make(map[string][]string),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &c.catacomb,
		Work: c.loop,
	}); err != nil {
		_ = ws.Close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Client) Kill() {
	c.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Client) Wait() error {
	return c.catacomb.Wait()
}

// Close shuts the connection down and waits for the worker to finish.
func (c *Client) Close() error {
	c.Kill()
	return c.Wait()
}

// Databases lists every database of every registered provider as
// qualified names, in provider-registration order.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	reply, err := c.call(ctx, wire.CommandDatabases, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result wire.DatabasesResult
	if err := json.Unmarshal(reply.Params, &result); err != nil {
		return nil, errors.Annotate(err, "databases result")
	}
	return result.Databases, nil
}

// DomainDatabases lists one provider's databases by their local names.
func (c *Client) DomainDatabases(ctx context.Context, domain string) ([]string, error) {
	reply, err := c.call(ctx, wire.CommandDatabases, wire.DatabasesParams{Domain: domain})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result wire.DatabasesResult
	if err := json.Unmarshal(reply.Params, &result); err != nil {
		return nil, errors.Annotate(err, "databases result")
	}
	return result.Databases, nil
}

// ObjectStores lists the object stores of a qualified database name.
func (c *Client) ObjectStores(ctx context.Context, name string) ([]string, error) {
	reply, err := c.call(ctx, wire.CommandObjectStores, wire.ObjectStoresParams{Name: name})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var result wire.ObjectStoresResult
	if err := json.Unmarshal(reply.Params, &result); err != nil {
		return nil, errors.Annotate(err, "objectStores result")
	}
	return result.Stores, nil
}

// All opens a stream over every record of one object store of a
// qualified database name. The returned stream yields records in
// provider-emission order and always terminates: with io.EOF, with the
// provider's error, or with a disconnect error if either connection
// dies first.
func (c *Client) All(ctx context.Context, name, store string) (*Stream, error) {
	reply, entry, err := c.callStream(ctx, wire.AllParams{Name: name, Store: store})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if entry.stream == nil {
		// The response was fine but carried no usable stream id.
		return nil, errors.Errorf("bridge reply to all carried no stream (request %d)", reply.RequestID)
	}
	return entry.stream, nil
}

// Providers snapshots the provider directory maintained from the
// bridge's registration broadcasts. Keys are domains.
func (c *Client) Providers() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string][]string, len(c.providers))
	for domain, databases := range c.providers {
		snapshot[domain] = append([]string(nil), databases...)
	}
	return snapshot
}

// WatchRegistrations subscribes to directory changes. The returned
// function unsubscribes.
func (c *Client) WatchRegistrations(fn func(RegistrationChange)) func() {
	return c.hub.Subscribe(registrationTopic, func(_ string, data interface{}) {
		if change, ok := data.(RegistrationChange); ok {
			fn(change)
		}
	})
}

func (c *Client) loop() error {
	// Closing the websocket unblocks the read loop when we are killed.
	go func() {
		<-c.catacomb.Dying()
		c.ws.Close()
	}()

	for {
		var msg wire.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.catacomb.Dying():
				c.broken(errors.New("connection closed"))
				return c.catacomb.ErrDying()
			default:
				c.broken(errors.Annotate(err, "bridge connection"))
				return errors.Annotate(err, "bridge connection")
			}
		}
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *wire.Message) {
	switch msg.Kind {
	case wire.KindResponse:
		c.handleResponse(msg)
	case wire.KindStream:
		c.handleStream(msg)
	case wire.KindRegister:
		var params wire.RegisterParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Errorf("malformed register broadcast: %v", err)
			return
		}
		c.mu.Lock()
		if _, ok := c.providers[params.Domain]; !ok {
			c.order = append(c.order, params.Domain)
		}
		c.providers[params.Domain] = append([]string(nil), params.Databases...)
		c.mu.Unlock()
		c.hub.Publish(registrationTopic, RegistrationChange{
			Registered: true,
			Domain:     params.Domain,
			Databases:  params.Databases,
		})
	case wire.KindUnregister:
		var params wire.UnregisterParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Errorf("malformed unregister broadcast: %v", err)
			return
		}
		c.mu.Lock()
		delete(c.providers, params.Domain)
		for i, domain := range c.order {
			if domain == params.Domain {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		c.hub.Publish(registrationTopic, RegistrationChange{
			Registered: false,
			Domain:     params.Domain,
		})
	case wire.KindError:
		logger.Debugf("bridge reported: %s", msg.Error)
	default:
		logger.Debugf("ignoring %q message from bridge", msg.Kind)
	}
}

func (c *Client) handleResponse(msg *wire.Message) {
	c.mu.Lock()
	entry := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	if entry != nil && entry.wantsAll && msg.Error == "" {
		// Register the stream before releasing the reply so events the
		// bridge relays right behind the response find their stream.
		var result wire.AllResult
		if err := json.Unmarshal(msg.Params, &result); err == nil && result.StreamID != 0 {
			entry.stream = newStream(result.StreamID)
			c.streams[result.StreamID] = entry.stream
		}
	}
	c.mu.Unlock()
	if entry == nil {
		logger.Debugf("dropping response to unknown request %d", msg.RequestID)
		return
	}
	entry.reply <- msg
}

func (c *Client) handleStream(msg *wire.Message) {
	c.mu.Lock()
	stream := c.streams[msg.StreamID]
	if stream != nil && msg.Terminal() {
		delete(c.streams, msg.StreamID)
	}
	c.mu.Unlock()
	if stream == nil {
		logger.Debugf("dropping event for unknown stream %d", msg.StreamID)
		return
	}
	stream.deliver(msg)
}

// broken fails every outstanding call and open stream after the
// connection has died; nothing can ever answer them.
func (c *Client) broken(reason error) {
	c.mu.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]*pendingCall)
	c.streams = make(map[uint64]*Stream)
	c.brokenErr = reason
	c.mu.Unlock()

	for _, entry := range pending {
		close(entry.reply)
	}
	for _, stream := range streams {
		stream.fail(reason)
	}
}

func (c *Client) call(ctx context.Context, command string, params interface{}) (*wire.Message, error) {
	reply, _, err := c.doCall(ctx, command, params, false)
	return reply, errors.Trace(err)
}

func (c *Client) callStream(ctx context.Context, params wire.AllParams) (*wire.Message, *pendingCall, error) {
	return c.doCall(ctx, wire.CommandAll, params, true)
}

func (c *Client) doCall(ctx context.Context, command string, params interface{}, wantsAll bool) (*wire.Message, *pendingCall, error) {
	c.mu.Lock()
	if c.brokenErr != nil {
		err := c.brokenErr
		c.mu.Unlock()
		return nil, nil, errors.Trace(err)
	}
	c.nextReqID++
	id := c.nextReqID
	entry := &pendingCall{
		reply:    make(chan *wire.Message, 1),
		wantsAll: wantsAll,
	}
	c.pending[id] = entry
	c.mu.Unlock()

	msg, err := wire.NewRequest(id, command, params)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, nil, errors.Annotatef(err, "sending %s request", command)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, nil, errors.Trace(ctx.Err())
	case reply, ok := <-entry.reply:
		if !ok {
			c.mu.Lock()
			err := c.brokenErr
			c.mu.Unlock()
			if err == nil {
				err = errors.New("connection closed")
			}
			return nil, nil, errors.Trace(err)
		}
		if reply.Error != "" {
			return nil, nil, errors.Trace(wire.RestoreError(reply))
		}
		return reply, entry, nil
	}
}

func (c *Client) send(msg *wire.Message) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.ws.WriteJSON(msg)
}

// Stream is the consumer half of one record stream. Events are queued
// as they arrive so the bridge connection's read loop never blocks on a
// slow consumer.
type Stream struct {
	id uint64

	mu     sync.Mutex
	queue  []*wire.Message
	err    error
	notify chan struct{}
}

func newStream(id uint64) *Stream {
	return &Stream{
		id:     id,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the bridge-issued stream identifier.
func (s *Stream) ID() uint64 {
	return s.id
}

// Next returns the next record of the stream. It returns io.EOF after
// the stream's clean end, the relayed error after a failing end, and a
// disconnect error if the connection died first; it never hangs past
// the stream's termination.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			switch msg.Event {
			case wire.EventData:
				s.mu.Unlock()
				return msg.Params, nil
			case wire.EventEnd:
				s.err = io.EOF
				s.mu.Unlock()
				return nil, io.EOF
			case wire.EventError:
				err := wire.RestoreError(msg)
				s.err = err
				s.mu.Unlock()
				return nil, err
			default:
				s.mu.Unlock()
				logger.Debugf("ignoring %q event on stream %d", msg.Event, s.id)
				continue
			}
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-s.notify:
		}
	}
}

// deliver queues one event in arrival order.
func (s *Stream) deliver(msg *wire.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
}

// fail terminates the stream with a synthesized error, keeping any
// events already queued ahead of it.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
