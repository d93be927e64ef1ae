// Package query describes paginated list requests against the records API:
// the request shape, its wire encoding, its cache identity and the page
// envelope returned by list endpoints.
package query

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SortOrder is the direction of a sorted list.
type SortOrder string

const (
	// SortAsc sorts ascending.
	SortAsc SortOrder = "asc"

	// SortDesc sorts descending.
	SortDesc SortOrder = "desc"
)

var validate = validator.New()

// PaginationRequest selects one page of a list resource.
//
// Optional fields are pointers: nil means the field is undefined and is
// neither encoded nor part of the cache identity. A request must not be
// modified after it has been issued; build a new one with NewPaginationRequest.
type PaginationRequest struct {
	Page      int        `validate:"min=1"`
	Limit     int        `validate:"min=1"`
	Search    *string
	SortBy    *string
	SortOrder *SortOrder `validate:"omitempty,oneof=asc desc"`
}

// Option sets an optional field of a PaginationRequest.
type Option func(*PaginationRequest)

// WithSearch sets the free-text search filter.
func WithSearch(search string) Option {
	return func(r *PaginationRequest) {
		r.Search = &search
	}
}

// WithSortBy sets the field to sort by.
func WithSortBy(field string) Option {
	return func(r *PaginationRequest) {
		r.SortBy = &field
	}
}

// WithSortOrder sets the sort direction.
func WithSortOrder(order SortOrder) Option {
	return func(r *PaginationRequest) {
		r.SortOrder = &order
	}
}

// NewPaginationRequest builds and validates a request.
func NewPaginationRequest(page, limit int, opts ...Option) (PaginationRequest, error) {
	req := PaginationRequest{Page: page, Limit: limit}
	for _, opt := range opts {
		opt(&req)
	}
	if err := req.Validate(); err != nil {
		return PaginationRequest{}, err
	}
	return req, nil
}

// MustPaginationRequest is like NewPaginationRequest but panics on invalid input.
func MustPaginationRequest(page, limit int, opts ...Option) PaginationRequest {
	req, err := NewPaginationRequest(page, limit, opts...)
	if err != nil {
		panic(err)
	}
	return req
}

// Validate checks the field constraints.
func (r PaginationRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// WithPage returns a copy of r selecting another page.
func (r PaginationRequest) WithPage(page int) PaginationRequest {
	next := r
	next.Page = page
	return next
}

func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fmt.Errorf("invalid pagination request: %s", strings.Join(msgs, "; "))
}
