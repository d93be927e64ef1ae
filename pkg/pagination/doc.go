// Package pagination fetches every page of a list resource in parallel.
//
// The first page is fetched alone to learn totalPages; the remaining pages
// are distributed over a bounded pool of workers and the records are
// returned in page order.
//
// Example usage:
//
//	diseases, err := pagination.FetchAll(ctx, fetchDiseasePage, query.MustPaginationRequest(1, 100), pagination.DefaultConfig())
//
// Any page error cancels the remaining fetches and is returned; there are no
// partial results.
package pagination
