package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Wire names of the pagination fields, in encoding order.
const (
	ParamPage      = "page"
	ParamLimit     = "limit"
	ParamSearch    = "search"
	ParamSortBy    = "sortBy"
	ParamSortOrder = "sortOrder"
)

type param struct {
	name  string
	value string
}

func (r PaginationRequest) params() []param {
	ps := []param{
		{ParamPage, strconv.Itoa(r.Page)},
		{ParamLimit, strconv.Itoa(r.Limit)},
	}
	if r.Search != nil {
		ps = append(ps, param{ParamSearch, *r.Search})
	}
	if r.SortBy != nil {
		ps = append(ps, param{ParamSortBy, *r.SortBy})
	}
	if r.SortOrder != nil {
		ps = append(ps, param{ParamSortOrder, string(*r.SortOrder)})
	}
	return ps
}

// Encode renders the defined fields of r as a URL query string in the order
// page, limit, search, sortBy, sortOrder. Undefined fields are omitted.
func Encode(r PaginationRequest) string {
	var b strings.Builder
	for i, p := range r.params() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// Values returns the defined fields of r.
func Values(r PaginationRequest) url.Values {
	v := url.Values{}
	for _, p := range r.params() {
		v.Set(p.name, p.value)
	}
	return v
}

// Decode parses an encoded query string back into a validated request.
// Unknown parameters are ignored.
func Decode(raw string) (PaginationRequest, error) {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return PaginationRequest{}, fmt.Errorf("parse query: %w", err)
	}
	return FromValues(v)
}

// FromValues builds a validated request from parsed query parameters.
func FromValues(v url.Values) (PaginationRequest, error) {
	page, err := strconv.Atoi(v.Get(ParamPage))
	if err != nil {
		return PaginationRequest{}, fmt.Errorf("parse %s: %w", ParamPage, err)
	}
	limit, err := strconv.Atoi(v.Get(ParamLimit))
	if err != nil {
		return PaginationRequest{}, fmt.Errorf("parse %s: %w", ParamLimit, err)
	}

	var opts []Option
	if v.Has(ParamSearch) {
		opts = append(opts, WithSearch(v.Get(ParamSearch)))
	}
	if v.Has(ParamSortBy) {
		opts = append(opts, WithSortBy(v.Get(ParamSortBy)))
	}
	if v.Has(ParamSortOrder) {
		opts = append(opts, WithSortOrder(SortOrder(v.Get(ParamSortOrder))))
	}
	return NewPaginationRequest(page, limit, opts...)
}
