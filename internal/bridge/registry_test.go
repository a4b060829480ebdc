// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

// eventRecorder collects registry events published on the hub, waiting
// on each publish completing so assertions never race the hub goroutine.
type eventRecorder struct {
	mu           sync.Mutex
	registered   []registeredEvent
	unregistered []unregisteredEvent
}

func (e *eventRecorder) subscribe(hub *pubsub.SimpleHub) {
	hub.Subscribe(registeredTopic, func(_ string, data interface{}) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.registered = append(e.registered, data.(registeredEvent))
	})
	hub.Subscribe(unregisteredTopic, func(_ string, data interface{}) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.unregistered = append(e.unregistered, data.(unregisteredEvent))
	})
}

type registrySuite struct {
	hub      *pubsub.SimpleHub
	registry *registry
	events   *eventRecorder
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.hub = pubsub.NewSimpleHub(nil)
	s.registry = newRegistry(s.hub)
	s.events = &eventRecorder{}
	s.events.subscribe(s.hub)
}

func (s *registrySuite) register(c *gc.C, conn *conn, domain string, databases ...string) {
	err := s.registry.register(conn, domain, databases)
	c.Assert(err, jc.ErrorIsNil)
}

// Hub delivery is asynchronous, so the accessors wait until the
// expected number of events has landed before returning a snapshot.

func (s *registrySuite) registeredEvents(c *gc.C, want int) []registeredEvent {
	timeout := time.After(testing.LongWait)
	for {
		s.events.mu.Lock()
		events := append([]registeredEvent(nil), s.events.registered...)
		s.events.mu.Unlock()
		if len(events) >= want {
			return events
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d registered event(s), have %d", want, len(events))
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *registrySuite) unregisteredEvents(c *gc.C, want int) []unregisteredEvent {
	timeout := time.After(testing.LongWait)
	for {
		s.events.mu.Lock()
		events := append([]unregisteredEvent(nil), s.events.unregistered...)
		s.events.mu.Unlock()
		if len(events) >= want {
			return events
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d unregistered event(s), have %d", want, len(events))
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *registrySuite) TestRegisterAndLookup(c *gc.C) {
	conn := newConn(nil, roleProvider)
	s.register(c, conn, "a.example", "mydb", "other")

	record, err := s.registry.lookup("a.example")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(record.databases, jc.DeepEquals, []string{"mydb", "other"})
	c.Check(record.conn, gc.Equals, conn)
}

func (s *registrySuite) TestRegisterEmptyDomain(c *gc.C) {
	err := s.registry.register(newConn(nil, roleProvider), "", nil)
	c.Assert(err, gc.ErrorMatches, "registration without domain not valid")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *registrySuite) TestLookupUnknown(c *gc.C) {
	_, err := s.registry.lookup("nope.example")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, `provider for domain "nope.example" not found`)
}

func (s *registrySuite) TestAggregateRegistrationOrder(c *gc.C) {
	s.register(c, newConn(nil, roleProvider), "b.example", "beta")
	s.register(c, newConn(nil, roleProvider), "a.example", "alpha", "gamma")

	c.Check(s.registry.aggregate(), jc.DeepEquals, []string{
		"b.example@beta",
		"a.example@alpha",
		"a.example@gamma",
	})
}

func (s *registrySuite) TestAggregateSkipsUnaddressable(c *gc.C) {
	s.register(c, newConn(nil, roleProvider), "a.example", "good", "bad@name")

	c.Check(s.registry.aggregate(), jc.DeepEquals, []string{"a.example@good"})
}

func (s *registrySuite) TestReplaceKeepsOrderPosition(c *gc.C) {
	s.register(c, newConn(nil, roleProvider), "a.example", "one")
	s.register(c, newConn(nil, roleProvider), "b.example", "two")
	s.register(c, newConn(nil, roleProvider), "a.example", "replaced")

	c.Check(s.registry.aggregate(), jc.DeepEquals, []string{
		"a.example@replaced",
		"b.example@two",
	})
}

func (s *registrySuite) TestReplaceMovesOwnership(c *gc.C) {
	first := newConn(nil, roleProvider)
	second := newConn(nil, roleProvider)
	s.register(c, first, "a.example", "one")
	s.register(c, second, "a.example", "two")

	// The original connection's disconnect no longer owns the domain.
	s.registry.unregisterConn(first)
	record, err := s.registry.lookup("a.example")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(record.conn, gc.Equals, second)
	time.Sleep(testing.ShortWait)
	c.Check(s.unregisteredEvents(c, 0), gc.HasLen, 0)
}

func (s *registrySuite) TestUnregister(c *gc.C) {
	s.register(c, newConn(nil, roleProvider), "a.example", "one")
	s.registry.unregister("a.example")

	_, err := s.registry.lookup("a.example")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Check(s.registry.aggregate(), gc.HasLen, 0)
	c.Check(s.unregisteredEvents(c, 1), jc.DeepEquals, []unregisteredEvent{{Domain: "a.example"}})
}

func (s *registrySuite) TestUnregisterUnknownIsNoop(c *gc.C) {
	s.registry.unregister("nope.example")
	time.Sleep(testing.ShortWait)
	c.Check(s.unregisteredEvents(c, 0), gc.HasLen, 0)
}

func (s *registrySuite) TestUnregisterConnPurgesAllOwned(c *gc.C) {
	conn := newConn(nil, roleProvider)
	s.register(c, conn, "b.example", "two")
	s.register(c, conn, "a.example", "one")
	s.register(c, newConn(nil, roleProvider), "c.example", "three")

	s.registry.unregisterConn(conn)

	c.Check(s.registry.aggregate(), jc.DeepEquals, []string{"c.example@three"})
	c.Check(s.unregisteredEvents(c, 2), jc.DeepEquals, []unregisteredEvent{
		{Domain: "a.example"},
		{Domain: "b.example"},
	})
}

func (s *registrySuite) TestRegisterPublishesEvent(c *gc.C) {
	s.register(c, newConn(nil, roleProvider), "a.example", "mydb")

	c.Check(s.registeredEvents(c, 1), jc.DeepEquals, []registeredEvent{{
		Domain:    "a.example",
		Databases: []string{"mydb"},
	}})
}
