// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provider implements the provider-side agent. It runs next to
// a local database adapter, registers the provider's domain and database
// list with the bridge, and answers the requests the bridge forwards to
// it by driving the adapter: listing object stores and streaming every
// record of a store as ordered data events.
package provider

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	"github.com/lightsofapollo/idb-remote/internal/localdb"
	"github.com/lightsofapollo/idb-remote/internal/wire"
)

var logger = loggo.GetLogger("idbremote.provider")

const (
	dialAttempts = 10
	dialDelay    = 500 * time.Millisecond
	dialMaxDelay = 10 * time.Second
)

// Store is the local database access adapter the agent serves from.
// localdb.Local implements it; anything listing databases and walking
// records with a forward-only cursor will do.
type Store interface {
	Databases() ([]string, error)
	ObjectStores(database string) ([]string, error)
	Iterate(database, store string, fn func(localdb.Record) error) error
}

// Config holds an agent's dependencies and parameters.
type Config struct {
	// BridgeURL is the bridge's base websocket URL, for example
	// "ws://127.0.0.1:8099".
	BridgeURL string

	// Domain is the origin this provider registers, the unique key of
	// its record in the bridge's directory.
	Domain string

	// Store provides the local databases.
	Store Store

	// Clock drives dial retries.
	Clock clock.Clock
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.BridgeURL == "" {
		return errors.NotValidf("empty BridgeURL")
	}
	if c.Domain == "" {
		return errors.NotValidf("empty Domain")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Agent is the provider-side worker.
type Agent struct {
	catacomb catacomb.Catacomb
	config   Config

	// sending guards writes; responses come from the read loop while
	// stream events come from per-stream goroutines.
	sending sync.Mutex
	ws      *websocket.Conn
}

// NewAgent starts an agent that dials the bridge, registers, and serves
// forwarded requests until killed or disconnected.
func NewAgent(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	a := &Agent{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// Kill is part of the worker.Worker interface.
func (a *Agent) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (a *Agent) Wait() error {
	return a.catacomb.Wait()
}

func (a *Agent) loop() error {
	ws, err := a.dial()
	if err != nil {
		return errors.Trace(err)
	}
	defer ws.Close()
	a.sending.Lock()
	a.ws = ws
	a.sending.Unlock()

	// Closing the websocket unblocks the read loop when we are killed.
	go func() {
		<-a.catacomb.Dying()
		ws.Close()
	}()

	if err := a.register(); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("registered %q with bridge", a.config.Domain)

	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			select {
			case <-a.catacomb.Dying():
				return a.catacomb.ErrDying()
			default:
				return errors.Annotate(err, "bridge connection")
			}
		}
		a.handle(&msg)
	}
}

func (a *Agent) dial() (*websocket.Conn, error) {
	base, err := url.Parse(a.config.BridgeURL)
	if err != nil {
		return nil, errors.Annotatef(err, "bridge URL %q", a.config.BridgeURL)
	}
	endpoint := base.JoinPath("provider").String()
	var ws *websocket.Conn
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
			if err != nil {
				return err
			}
			ws = conn
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("dial attempt %d: %v", attempt, err)
		},
		Attempts:    dialAttempts,
		Delay:       dialDelay,
		MaxDelay:    dialMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       a.config.Clock,
		Stop:        a.catacomb.Dying(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dialling bridge at %q", endpoint)
	}
	return ws, nil
}

func (a *Agent) register() error {
	databases, err := a.config.Store.Databases()
	if err != nil {
		return errors.Annotate(err, "listing local databases")
	}
	msg, err := wire.NewRegister(a.config.Domain, databases)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(a.send(msg), "registering with bridge")
}

func (a *Agent) handle(msg *wire.Message) {
	switch msg.Kind {
	case wire.KindRequest:
		switch msg.Command {
		case wire.CommandObjectStores:
			a.handleObjectStores(msg)
		case wire.CommandAll:
			a.handleAll(msg)
		default:
			if msg.RequestID != 0 {
				a.respondErr(msg.RequestID, errors.NotValidf("command %q", msg.Command))
			} else {
				logger.Debugf("ignoring unknown command %q from bridge", msg.Command)
			}
		}
	case wire.KindError:
		// Out-of-band and informational, e.g. we emitted for a stream
		// the bridge had already dropped.
		logger.Debugf("bridge reported: %s", msg.Error)
	default:
		logger.Debugf("ignoring %q message from bridge", msg.Kind)
	}
}

func (a *Agent) handleObjectStores(msg *wire.Message) {
	var params wire.StoresRequest
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.respondErr(msg.RequestID, errors.NotValidf("objectStores params: %v", err))
		return
	}
	stores, err := a.config.Store.ObjectStores(params.Database)
	if err != nil {
		a.respondErr(msg.RequestID, err)
		return
	}
	a.respond(msg.RequestID, wire.ObjectStoresResult{Stores: stores})
}

func (a *Agent) handleAll(msg *wire.Message) {
	var params wire.IterateRequest
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		// Without a stream id there is nowhere to deliver the failure.
		a.reportErr(errors.NotValidf("all params: %v", err))
		return
	}
	go a.stream(params)
}

// stream walks one object store and emits its records as ordered data
// events, terminated by exactly one end or error event. Only this
// goroutine writes events for its stream id, so provider-emission order
// is preserved on the wire.
func (a *Agent) stream(params wire.IterateRequest) {
	err := a.config.Store.Iterate(params.Database, params.Store, func(record localdb.Record) error {
		select {
		case <-a.catacomb.Dying():
			return errors.New("agent stopping")
		default:
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return errors.Annotate(err, "marshalling record")
		}
		return a.send(wire.NewStreamData(params.StreamID, raw))
	})
	if err != nil {
		if sendErr := a.send(wire.NewStreamError(params.StreamID, err)); sendErr != nil {
			logger.Debugf("failed to terminate stream %d: %v", params.StreamID, sendErr)
		}
		return
	}
	if err := a.send(wire.NewStreamEnd(params.StreamID)); err != nil {
		logger.Debugf("failed to end stream %d: %v", params.StreamID, err)
	}
}

func (a *Agent) respond(id uint64, result interface{}) {
	msg, err := wire.NewResponse(id, result)
	if err != nil {
		msg = wire.NewErrorResponse(id, err)
	}
	if err := a.send(msg); err != nil {
		logger.Debugf("failed to respond to request %d: %v", id, err)
	}
}

func (a *Agent) respondErr(id uint64, err error) {
	if sendErr := a.send(wire.NewErrorResponse(id, err)); sendErr != nil {
		logger.Debugf("failed to respond to request %d: %v", id, sendErr)
	}
}

func (a *Agent) reportErr(err error) {
	if sendErr := a.send(wire.NewError(err)); sendErr != nil {
		logger.Debugf("failed to report error to bridge: %v", sendErr)
	}
}

func (a *Agent) send(msg *wire.Message) error {
	a.sending.Lock()
	defer a.sending.Unlock()
	return a.ws.WriteJSON(msg)
}
