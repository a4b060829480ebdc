// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provider_test

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	coretesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/lightsofapollo/idb-remote/internal/bridge"
	"github.com/lightsofapollo/idb-remote/internal/localdb"
	"github.com/lightsofapollo/idb-remote/internal/provider"
	"github.com/lightsofapollo/idb-remote/internal/wire"
)

// agentSuite runs an agent against a real bridge, playing the client
// side over a raw websocket.
type agentSuite struct {
	coretesting.IsolationSuite

	bridge *bridge.Bridge
	store  *localdb.Local
	client *websocket.Conn
}

var _ = gc.Suite(&agentSuite{})

func (s *agentSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	b, err := bridge.NewBridge(bridge.Config{
		ListenAddr: "127.0.0.1:0",
		Clock:      clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.bridge = b
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, b)
	})

	s.store, err = localdb.Open(c.MkDir())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.store.Put("mydb", "tiles", "a", "first"), jc.ErrorIsNil)
	c.Assert(s.store.Put("mydb", "tiles", "b", "second"), jc.ErrorIsNil)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+b.Addr()+"/client", nil)
	c.Assert(err, jc.ErrorIsNil)
	s.client = ws
	s.AddCleanup(func(c *gc.C) {
		_ = ws.Close()
	})
}

// startAgent starts an agent for the test store and waits for its
// registration to reach the client connection.
func (s *agentSuite) startAgent(c *gc.C) *provider.Agent {
	agent, err := provider.NewAgent(provider.Config{
		BridgeURL: "ws://" + s.bridge.Addr(),
		Domain:    "a.example",
		Store:     s.store,
		Clock:     clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, agent)
	})

	msg := s.recv(c)
	c.Assert(msg.Kind, gc.Equals, wire.KindRegister)
	var params wire.RegisterParams
	c.Assert(json.Unmarshal(msg.Params, &params), jc.ErrorIsNil)
	c.Assert(params.Domain, gc.Equals, "a.example")
	c.Assert(params.Databases, jc.DeepEquals, []string{"mydb"})
	return agent
}

func (s *agentSuite) send(c *gc.C, msg *wire.Message) {
	c.Assert(s.client.WriteJSON(msg), jc.ErrorIsNil)
}

func (s *agentSuite) recv(c *gc.C) *wire.Message {
	c.Assert(s.client.SetReadDeadline(time.Now().Add(coretesting.LongWait)), jc.ErrorIsNil)
	var msg wire.Message
	c.Assert(s.client.ReadJSON(&msg), jc.ErrorIsNil)
	return &msg
}

func (s *agentSuite) TestRegistersOnStart(c *gc.C) {
	s.startAgent(c)
}

func (s *agentSuite) TestObjectStores(c *gc.C) {
	s.startAgent(c)

	req, err := wire.NewRequest(1, wire.CommandObjectStores, wire.ObjectStoresParams{
		Name: "a.example@mydb",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.send(c, req)

	reply := s.recv(c)
	c.Assert(reply.Kind, gc.Equals, wire.KindResponse)
	c.Assert(reply.RequestID, gc.Equals, uint64(1))
	c.Assert(reply.Error, gc.Equals, "")
	var result wire.ObjectStoresResult
	c.Assert(json.Unmarshal(reply.Params, &result), jc.ErrorIsNil)
	c.Check(result.Stores, jc.DeepEquals, []string{"tiles"})
}

func (s *agentSuite) TestObjectStoresUnknownDatabase(c *gc.C) {
	s.startAgent(c)

	req, err := wire.NewRequest(2, wire.CommandObjectStores, wire.ObjectStoresParams{
		Name: "a.example@nope",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.send(c, req)

	reply := s.recv(c)
	c.Check(reply.RequestID, gc.Equals, uint64(2))
	c.Check(reply.ErrorCode, gc.Equals, wire.CodeNotFound)
}

func (s *agentSuite) TestStreamAll(c *gc.C) {
	s.startAgent(c)

	req, err := wire.NewRequest(3, wire.CommandAll, wire.AllParams{
		Name:  "a.example@mydb",
		Store: "tiles",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.send(c, req)

	reply := s.recv(c)
	c.Assert(reply.Kind, gc.Equals, wire.KindResponse)
	c.Assert(reply.Error, gc.Equals, "")
	var result wire.AllResult
	c.Assert(json.Unmarshal(reply.Params, &result), jc.ErrorIsNil)

	var records []localdb.Record
	for {
		event := s.recv(c)
		c.Assert(event.Kind, gc.Equals, wire.KindStream)
		c.Assert(event.StreamID, gc.Equals, result.StreamID)
		if event.Event == wire.EventEnd {
			break
		}
		c.Assert(event.Event, gc.Equals, wire.EventData)
		var record localdb.Record
		c.Assert(json.Unmarshal(event.Params, &record), jc.ErrorIsNil)
		records = append(records, record)
	}
	c.Assert(records, gc.HasLen, 2)
	c.Check(records[0].Key, gc.Equals, "a")
	c.Check(string(records[0].Value), gc.Equals, `"first"`)
	c.Check(records[1].Key, gc.Equals, "b")
	c.Check(string(records[1].Value), gc.Equals, `"second"`)
}

func (s *agentSuite) TestStreamMissingStore(c *gc.C) {
	s.startAgent(c)

	req, err := wire.NewRequest(4, wire.CommandAll, wire.AllParams{
		Name:  "a.example@mydb",
		Store: "nope",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.send(c, req)

	reply := s.recv(c)
	c.Assert(reply.Kind, gc.Equals, wire.KindResponse)
	c.Assert(reply.Error, gc.Equals, "")

	event := s.recv(c)
	c.Assert(event.Kind, gc.Equals, wire.KindStream)
	c.Check(event.Event, gc.Equals, wire.EventError)
	c.Check(event.ErrorCode, gc.Equals, wire.CodeNotFound)
}

func (s *agentSuite) TestConfigValidate(c *gc.C) {
	cfg := provider.Config{
		BridgeURL: "ws://127.0.0.1:1",
		Domain:    "a.example",
		Store:     s.store,
		Clock:     clock.WallClock,
	}
	c.Check(cfg.Validate(), jc.ErrorIsNil)

	for _, broken := range []func(*provider.Config){
		func(cfg *provider.Config) { cfg.BridgeURL = "" },
		func(cfg *provider.Config) { cfg.Domain = "" },
		func(cfg *provider.Config) { cfg.Store = nil },
		func(cfg *provider.Config) { cfg.Clock = nil },
	} {
		bad := cfg
		broken(&bad)
		c.Check(bad.Validate(), jc.Satisfies, errors.IsNotValid)
	}
}
