package records

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/emr-records-client/pkg/cache"
	"github.com/Sternrassler/emr-records-client/pkg/client"
	"github.com/Sternrassler/emr-records-client/pkg/pagination"
	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/Sternrassler/emr-records-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service answers records queries through the shared query cache.
type Service struct {
	client  *client.Client
	cache   *cache.Manager
	limiter *ratelimit.Tracker
	retry   client.RetryPolicy
	pages   pagination.Config
	logger  zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimiter holds requests back while the tracker reports a back-off
// and feeds it every request outcome.
func WithRateLimiter(t *ratelimit.Tracker) Option {
	return func(s *Service) {
		s.limiter = t
	}
}

// WithRetry retries idempotent requests with the given policy.
// Without it every request is attempted once.
func WithRetry(policy client.RetryPolicy) Option {
	return func(s *Service) {
		s.retry = policy
	}
}

// WithPageConfig sets the concurrency of the All* operations.
func WithPageConfig(cfg pagination.Config) Option {
	return func(s *Service) {
		s.pages = cfg
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a records service on an API client and a cache manager.
func NewService(c *client.Client, m *cache.Manager, opts ...Option) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if m == nil {
		return nil, fmt.Errorf("cache manager is required")
	}

	s := &Service{
		client: c,
		cache:  m,
		pages:  pagination.DefaultConfig(),
		logger: log.With().Str("component", "records").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cache returns the query cache the service reads through.
func (s *Service) Cache() *cache.Manager {
	return s.cache
}

// Patients returns one page of patients.
func (s *Service) Patients(ctx context.Context, req query.PaginationRequest) (cache.Result[query.PageResult[Patient]], error) {
	return listPage[Patient](ctx, s, ResourcePatients, req)
}

// Diseases returns one page of diseases.
func (s *Service) Diseases(ctx context.Context, req query.PaginationRequest) (cache.Result[query.PageResult[Disease]], error) {
	return listPage[Disease](ctx, s, ResourceDiseases, req)
}

// Doctors returns one page of doctors.
func (s *Service) Doctors(ctx context.Context, req query.PaginationRequest) (cache.Result[query.PageResult[Doctor]], error) {
	return listPage[Doctor](ctx, s, ResourceDoctors, req)
}

// Tags returns one page of tags.
func (s *Service) Tags(ctx context.Context, req query.PaginationRequest) (cache.Result[query.PageResult[Tag]], error) {
	return listPage[Tag](ctx, s, ResourceTags, req)
}

// TagByID returns a single tag.
func (s *Service) TagByID(ctx context.Context, id string) (cache.Result[Tag], error) {
	if id == "" {
		return cache.Result[Tag]{}, fmt.Errorf("%w: tag id is required", ErrInvalidInput)
	}
	return cache.Load(ctx, s.cache, cache.ItemKey(ResourceTags, id), func(ctx context.Context) (Tag, error) {
		var tag Tag
		err := s.call(ctx, ResourceTags, true, func(ctx context.Context) error {
			var err error
			tag, err = client.FetchOne[Tag](ctx, s.client, ResourceTags, id)
			return err
		})
		return tag, err
	})
}

// AllPatients returns every patient matching base.
func (s *Service) AllPatients(ctx context.Context, base query.PaginationRequest) ([]Patient, error) {
	return pagination.FetchAll(ctx, pageFetcher(s.Patients), base, s.pages)
}

// AllDiseases returns every disease matching base.
func (s *Service) AllDiseases(ctx context.Context, base query.PaginationRequest) ([]Disease, error) {
	return pagination.FetchAll(ctx, pageFetcher(s.Diseases), base, s.pages)
}

// AllDoctors returns every doctor matching base.
func (s *Service) AllDoctors(ctx context.Context, base query.PaginationRequest) ([]Doctor, error) {
	return pagination.FetchAll(ctx, pageFetcher(s.Doctors), base, s.pages)
}

// AllTags returns every tag matching base.
func (s *Service) AllTags(ctx context.Context, base query.PaginationRequest) ([]Tag, error) {
	return pagination.FetchAll(ctx, pageFetcher(s.Tags), base, s.pages)
}

// CreatePatient creates a patient and invalidates cached patient queries.
func (s *Service) CreatePatient(ctx context.Context, in PatientInput) (Patient, error) {
	if err := in.Validate(); err != nil {
		return Patient{}, err
	}

	var created Patient
	err := s.call(ctx, ResourcePatients, false, func(ctx context.Context) error {
		return s.client.SendJSON(ctx, http.MethodPost, ResourcePatients, s.client.URL(ResourcePatients), in, &created)
	})
	if err != nil {
		return Patient{}, err
	}

	s.cache.Invalidate(ctx, ResourcePatients)
	s.logger.Info().Str("patient_id", created.ID).Msg("Patient created")
	return created, nil
}

// UpdatePatient replaces a patient and invalidates cached patient queries.
func (s *Service) UpdatePatient(ctx context.Context, id string, in PatientInput) (Patient, error) {
	if id == "" {
		return Patient{}, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}
	if err := in.Validate(); err != nil {
		return Patient{}, err
	}

	var updated Patient
	err := s.call(ctx, ResourcePatients, true, func(ctx context.Context) error {
		return s.client.SendJSON(ctx, http.MethodPut, ResourcePatients, s.client.URL(ResourcePatients, id), in, &updated)
	})
	if err != nil {
		return Patient{}, err
	}

	s.cache.Invalidate(ctx, ResourcePatients)
	s.logger.Info().Str("patient_id", id).Msg("Patient updated")
	return updated, nil
}

// UpdateTag renames a tag and invalidates cached tag queries, including the
// lookup of that tag.
func (s *Service) UpdateTag(ctx context.Context, id string, in TagInput) (Tag, error) {
	if id == "" {
		return Tag{}, fmt.Errorf("%w: tag id is required", ErrInvalidInput)
	}
	if err := in.Validate(); err != nil {
		return Tag{}, err
	}

	var updated Tag
	err := s.call(ctx, ResourceTags, true, func(ctx context.Context) error {
		return s.client.SendJSON(ctx, http.MethodPut, ResourceTags, s.client.URL(ResourceTags, id), in, &updated)
	})
	if err != nil {
		return Tag{}, err
	}

	s.cache.Invalidate(ctx, ResourceTags)
	s.logger.Info().Str("tag_id", id).Msg("Tag updated")
	return updated, nil
}

func listPage[T any](ctx context.Context, s *Service, resource string, req query.PaginationRequest) (cache.Result[query.PageResult[T]], error) {
	if err := req.Validate(); err != nil {
		return cache.Result[query.PageResult[T]]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	return cache.Load(ctx, s.cache, query.Identity(resource, req), func(ctx context.Context) (query.PageResult[T], error) {
		var page query.PageResult[T]
		err := s.call(ctx, resource, true, func(ctx context.Context) error {
			var err error
			page, err = client.FetchPage[T](ctx, s.client, resource, req)
			return err
		})
		return page, err
	})
}

// call runs one API request under the caller-level policies: the rate limit
// back-off and, for idempotent requests, the retry policy.
func (s *Service) call(ctx context.Context, resource string, idempotent bool, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if s.limiter != nil {
			remaining, err := s.limiter.Backoff(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Rate limit check failed")
			} else if remaining > 0 {
				return &client.FetchError{
					Kind:       client.KindRateLimited,
					Resource:   resource,
					Message:    "request held back during rate limit back-off",
					RetryAfter: remaining,
				}
			}
		}

		err := fn(ctx)

		if s.limiter != nil {
			if oerr := s.limiter.Observe(ctx, err); oerr != nil {
				s.logger.Warn().Err(oerr).Msg("Failed to record rate limit outcome")
			}
		}
		return err
	}

	if s.retry == nil || !idempotent {
		return attempt(ctx)
	}
	return client.Retry(ctx, s.retry, attempt)
}

func pageFetcher[T any](list func(context.Context, query.PaginationRequest) (cache.Result[query.PageResult[T]], error)) pagination.PageFetcher[T] {
	return func(ctx context.Context, req query.PaginationRequest) (query.PageResult[T], error) {
		res, err := list(ctx, req)
		if err != nil {
			return query.PageResult[T]{}, err
		}
		return res.Value, nil
	}
}
