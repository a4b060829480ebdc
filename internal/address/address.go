// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package address encodes and decodes qualified database names, the only
// way a client names a database owned by some provider. A qualified name
// joins the provider's domain and the provider-local database name with a
// single separator character.
package address

import (
	"strings"

	"github.com/juju/errors"
)

// Separator joins the domain and database components. It is reserved:
// neither component may contain it, which keeps Decode(Encode(d, n))
// exact for every name Encode accepts.
const Separator = "@"

// Encode builds the qualified name for a database owned by a provider
// domain, for example Encode("http://a.example", "mydb") ==
// "http://a.example@mydb".
func Encode(domain, database string) (string, error) {
	if domain == "" {
		return "", errors.NotValidf("empty domain")
	}
	if database == "" {
		return "", errors.NotValidf("empty database name")
	}
	if strings.Contains(domain, Separator) {
		return "", errors.NotValidf("domain %q containing %q", domain, Separator)
	}
	if strings.Contains(database, Separator) {
		return "", errors.NotValidf("database name %q containing %q", database, Separator)
	}
	return domain + Separator + database, nil
}

// Decode splits a qualified name back into its domain and database
// components. A name without exactly one separator, or with an empty
// component, is rejected.
func Decode(name string) (domain, database string, err error) {
	i := strings.Index(name, Separator)
	if i < 0 {
		return "", "", errors.NotValidf("database address %q without separator", name)
	}
	domain, database = name[:i], name[i+1:]
	if domain == "" {
		return "", "", errors.NotValidf("database address %q with empty domain", name)
	}
	if database == "" {
		return "", "", errors.NotValidf("database address %q with empty database name", name)
	}
	if strings.Contains(database, Separator) {
		return "", "", errors.NotValidf("database address %q with multiple separators", name)
	}
	return domain, database, nil
}
