package cache

import (
	"fmt"
	"time"
)

const (
	// DefaultStaleAfter is how long a fetched result is served without revalidation.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultEvictAfter is how long an unobserved result is kept after fetch.
	DefaultEvictAfter = 10 * time.Minute
)

// Policy sets the freshness and retention windows of one resource.
type Policy struct {
	StaleAfter time.Duration
	EvictAfter time.Duration
}

// DefaultPolicy returns the 5 minute staleness / 10 minute eviction policy.
func DefaultPolicy() Policy {
	return Policy{
		StaleAfter: DefaultStaleAfter,
		EvictAfter: DefaultEvictAfter,
	}
}

// Validate checks that the windows are usable. A zero stale window
// revalidates on every lookup; the eviction window must be positive.
func (p Policy) Validate() error {
	if p.StaleAfter < 0 {
		return fmt.Errorf("stale_after must be >= 0 (got %s)", p.StaleAfter)
	}
	if p.EvictAfter <= 0 {
		return fmt.Errorf("evict_after must be > 0 (got %s)", p.EvictAfter)
	}
	if p.EvictAfter < p.StaleAfter {
		return fmt.Errorf("evict_after (%s) must be >= stale_after (%s)", p.EvictAfter, p.StaleAfter)
	}
	return nil
}

// Policies maps resource names to their policy. Resources without an entry
// use Default.
type Policies struct {
	Default  Policy
	Resource map[string]Policy
}

// DefaultPolicies applies DefaultPolicy to every resource.
func DefaultPolicies() Policies {
	return Policies{Default: DefaultPolicy()}
}

// For returns the policy of a resource.
func (p Policies) For(resource string) Policy {
	if rp, ok := p.Resource[resource]; ok {
		return rp
	}
	return p.Default
}

// Validate checks every configured policy.
func (p Policies) Validate() error {
	if err := p.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for resource, rp := range p.Resource {
		if err := rp.Validate(); err != nil {
			return fmt.Errorf("policy %q: %w", resource, err)
		}
	}
	return nil
}
