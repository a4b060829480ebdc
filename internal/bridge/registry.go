// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/lightsofapollo/idb-remote/internal/address"
)

// Registry event topics published on the bridge hub.
const (
	registeredTopic   = "registry.registered"
	unregisteredTopic = "registry.unregistered"
)

// registeredEvent is published on every successful registration.
type registeredEvent struct {
	Domain    string
	Databases []string
}

// unregisteredEvent is published when a domain's record is removed.
type unregisteredEvent struct {
	Domain string
}

// providerRecord ties a registered domain to its database list and the
// connection that owns it.
type providerRecord struct {
	domain    string
	databases []string
	conn      *conn
}

// registry is the single source of truth for which domain provides which
// databases over which connection. One record per domain; a second
// registration for the same domain silently replaces the first.
type registry struct {
	hub *pubsub.SimpleHub

	mu        sync.Mutex
	providers map[string]*providerRecord
	// order preserves first-registration order of live domains for
	// aggregate. A replaced domain keeps its original position.
	order []string
	// byConn indexes the domains owned by each connection so that a
	// disconnect can purge them without a full table walk.
	byConn map[string]set.Strings
}

func newRegistry(hub *pubsub.SimpleHub) *registry {
	return &registry{
		hub:       hub,
		providers: make(map[string]*providerRecord),
		byConn:    make(map[string]set.Strings),
	}
}

// register records a provider's domain and databases, replacing any
// prior record for the domain (last writer wins), and publishes a
// registered event carrying the full record.
func (r *registry) register(c *conn, domain string, databases []string) error {
	if domain == "" {
		return errors.NotValidf("registration without domain")
	}

	r.mu.Lock()
	prior, replacing := r.providers[domain]
	if replacing {
		// The domain may have moved to a new connection; the old
		// connection's disconnect must no longer unregister it.
		r.dropOwnership(prior.conn.id, domain)
	} else {
		r.order = append(r.order, domain)
	}
	r.providers[domain] = &providerRecord{
		domain:    domain,
		databases: append([]string(nil), databases...),
		conn:      c,
	}
	owned, ok := r.byConn[c.id]
	if !ok {
		owned = set.NewStrings()
		r.byConn[c.id] = owned
	}
	owned.Add(domain)
	r.mu.Unlock()

	r.hub.Publish(registeredTopic, registeredEvent{
		Domain:    domain,
		Databases: append([]string(nil), databases...),
	})
	return nil
}

// unregister removes the record for a domain if present and publishes an
// unregistered event. Unregistering an unknown domain is a no-op.
func (r *registry) unregister(domain string) {
	r.mu.Lock()
	record, ok := r.providers[domain]
	if ok {
		delete(r.providers, domain)
		r.dropOwnership(record.conn.id, domain)
		r.dropOrder(domain)
	}
	r.mu.Unlock()

	if ok {
		r.hub.Publish(unregisteredTopic, unregisteredEvent{Domain: domain})
	}
}

// unregisterConn removes every domain still owned by the connection,
// publishing an unregistered event for each. Domains the connection lost
// to a later registration are untouched.
func (r *registry) unregisterConn(c *conn) {
	r.mu.Lock()
	owned := r.byConn[c.id]
	delete(r.byConn, c.id)
	var domains []string
	if owned != nil {
		// SortedValues keeps the purge deterministic for tests; a
		// connection rarely owns more than one domain.
		for _, domain := range owned.SortedValues() {
			delete(r.providers, domain)
			r.dropOrder(domain)
			domains = append(domains, domain)
		}
	}
	r.mu.Unlock()

	for _, domain := range domains {
		r.hub.Publish(unregisteredTopic, unregisteredEvent{Domain: domain})
	}
}

// lookup returns the record for a domain.
func (r *registry) lookup(domain string) (*providerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.providers[domain]
	if !ok {
		return nil, errors.NotFoundf("provider for domain %q", domain)
	}
	return record, nil
}

// aggregate returns one qualified name per (domain, database) pair
// across all registered providers, in provider-registration order then
// database-list order. Databases whose names cannot be qualified (they
// contain the separator) are skipped.
func (r *registry) aggregate() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, domain := range r.order {
		record, ok := r.providers[domain]
		if !ok {
			continue
		}
		for _, database := range record.databases {
			name, err := address.Encode(domain, database)
			if err != nil {
				logger.Debugf("skipping unaddressable database %q of %q: %v", database, domain, err)
				continue
			}
			names = append(names, name)
		}
	}
	return names
}

// dropOwnership and dropOrder expect r.mu to be held.

func (r *registry) dropOwnership(connID, domain string) {
	if owned, ok := r.byConn[connID]; ok {
		owned.Remove(domain)
		if owned.IsEmpty() {
			delete(r.byConn, connID)
		}
	}
}

func (r *registry) dropOrder(domain string) {
	for i, d := range r.order {
		if d == domain {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
