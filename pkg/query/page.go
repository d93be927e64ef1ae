package query

import "fmt"

// PageResult is the envelope returned by list endpoints.
type PageResult[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
}

// Check reports whether p is a consistent answer to req.
func (p PageResult[T]) Check(req PaginationRequest) error {
	if p.Total < 0 {
		return fmt.Errorf("negative total %d", p.Total)
	}
	if p.TotalPages < 0 {
		return fmt.Errorf("negative totalPages %d", p.TotalPages)
	}
	if p.Page < 1 {
		return fmt.Errorf("page %d out of range", p.Page)
	}
	if len(p.Data) > req.Limit {
		return fmt.Errorf("page holds %d items, limit is %d", len(p.Data), req.Limit)
	}
	if req.Limit > 0 {
		// An empty collection may report zero pages or one.
		maxPages := max((p.Total+req.Limit-1)/req.Limit, 1)
		if p.TotalPages > maxPages {
			return fmt.Errorf("totalPages %d exceeds %d for total %d at limit %d", p.TotalPages, maxPages, p.Total, req.Limit)
		}
	}
	if p.TotalPages > 0 && p.Page > p.TotalPages {
		return fmt.Errorf("page %d beyond totalPages %d", p.Page, p.TotalPages)
	}
	return nil
}

// HasNext reports whether another page follows p.
func (p PageResult[T]) HasNext() bool {
	return p.Page < p.TotalPages
}
