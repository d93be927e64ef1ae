package query

import "github.com/Sternrassler/emr-records-client/pkg/cache"

// Identity derives the cache identity of a list request. Requests with the
// same defined fields and values share an identity; any difference, including
// an optional field being present rather than absent, yields another one.
func Identity(resource string, r PaginationRequest) cache.Key {
	return cache.Key{Resource: resource, Params: Values(r)}
}
