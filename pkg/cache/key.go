package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached query result.
type Key struct {
	// Resource is the API collection (e.g. "patients")
	Resource string

	// ID selects a single record of the resource (empty for list queries)
	ID string

	// Params are the defined query parameters of a list query
	Params url.Values
}

// ItemKey returns the key of a single-record lookup.
func ItemKey(resource, id string) Key {
	return Key{Resource: resource, ID: id}
}

// String generates a deterministic cache key string.
// Format: emr:resource:id=val:param1=val1:param2=val2
//
// Parameter names are sorted and values are query-escaped, so two keys render
// the same string only if they carry the same parameters with the same values.
//
// Example:
//
//	emr:patients:limit=20:page=1:search=ann
func (k Key) String() string {
	parts := []string{"emr", url.PathEscape(strings.Trim(k.Resource, "/"))}

	if k.ID != "" {
		parts = append(parts, "id="+url.QueryEscape(k.ID))
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			for _, value := range k.Params[name] {
				parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(value))
			}
		}
	}

	return strings.Join(parts, ":")
}
