package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/emr-records-client/pkg/cache"
	"github.com/Sternrassler/emr-records-client/pkg/client"
	"github.com/Sternrassler/emr-records-client/pkg/metrics"
	"github.com/Sternrassler/emr-records-client/pkg/pagination"
	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/Sternrassler/emr-records-client/pkg/records"
)

// HeaderCache reports how the cache answered a list or lookup request.
const HeaderCache = "X-Cache"

// Defaults applied when a list request omits page or limit.
const (
	defaultPage  = 1
	defaultLimit = 10
)

var errUnknownResource = errors.New("unknown resource")

type server struct {
	service *records.Service
	redis   redis.UniversalClient
	logger  zerolog.Logger
}

func newServer(service *records.Service, redisClient redis.UniversalClient, logger zerolog.Logger) *server {
	return &server{
		service: service,
		redis:   redisClient,
		logger:  logger,
	}
}

// Routes configures all routes and middleware.
func (s *server) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/health", s.health)
	router.Get("/ready", s.ready)
	router.Handle("/metrics", metrics.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Get("/tags/all", s.listAll)
		r.Get("/tags/{id}", s.tagByID)
		r.Put("/tags/{id}", s.updateTag)
		r.Post("/patients", s.createPatient)
		r.Put("/patients/{id}", s.updatePatient)
		r.Get("/{resource}", s.list)
		r.Get("/{resource}/all", s.listAll)
	})

	return router
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "redis": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := fetchPage(r.Context(), s.service, chi.URLParam(r, "resource"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set(HeaderCache, string(res.state))
	writeJSON(w, http.StatusOK, res.page)
}

func (s *server) listAll(w http.ResponseWriter, r *http.Request) {
	req, err := pageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resource := chi.URLParam(r, "resource")
	if resource == "" {
		resource = records.ResourceTags
	}

	all, err := fetchAll(r.Context(), s.service, resource, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) tagByID(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.TagByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set(HeaderCache, string(res.State))
	writeJSON(w, http.StatusOK, res.Value)
}

func (s *server) updateTag(w http.ResponseWriter, r *http.Request) {
	var in records.TagInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tag, err := s.service.UpdateTag(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *server) createPatient(w http.ResponseWriter, r *http.Request) {
	var in records.PatientInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patient, err := s.service.CreatePatient(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, patient)
}

func (s *server) updatePatient(w http.ResponseWriter, r *http.Request) {
	var in records.PatientInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patient, err := s.service.UpdatePatient(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

// fail maps a service error onto an HTTP response.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Upstream request failed")
	}
	if status == http.StatusTooManyRequests {
		if d := client.RetryAfterOf(err); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var fe *client.FetchError
	switch {
	case errors.Is(err, records.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownResource):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pagination.ErrTooManyPages):
		return http.StatusBadGateway
	case errors.As(err, &fe):
		switch {
		case fe.Kind == client.KindRateLimited:
			return http.StatusTooManyRequests
		case fe.Kind == client.KindFetchFailed && fe.StatusCode == http.StatusNotFound:
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pageRequest(r *http.Request) (query.PaginationRequest, error) {
	values := r.URL.Query()
	if !values.Has(query.ParamPage) {
		values.Set(query.ParamPage, strconv.Itoa(defaultPage))
	}
	if !values.Has(query.ParamLimit) {
		values.Set(query.ParamLimit, strconv.Itoa(defaultLimit))
	}
	return query.FromValues(values)
}

// pageResponse is a page of any resource together with how it was served.
type pageResponse struct {
	page  any
	state cache.State
}

func fetchPage(ctx context.Context, svc *records.Service, resource string, req query.PaginationRequest) (pageResponse, error) {
	switch resource {
	case records.ResourcePatients:
		res, err := svc.Patients(ctx, req)
		return toPageResponse(res, err)
	case records.ResourceDiseases:
		res, err := svc.Diseases(ctx, req)
		return toPageResponse(res, err)
	case records.ResourceDoctors:
		res, err := svc.Doctors(ctx, req)
		return toPageResponse(res, err)
	case records.ResourceTags:
		res, err := svc.Tags(ctx, req)
		return toPageResponse(res, err)
	default:
		return pageResponse{}, fmt.Errorf("%w: %q", errUnknownResource, resource)
	}
}

func toPageResponse[T any](res cache.Result[query.PageResult[T]], err error) (pageResponse, error) {
	if err != nil {
		return pageResponse{}, err
	}
	return pageResponse{page: res.Value, state: res.State}, nil
}

func fetchAll(ctx context.Context, svc *records.Service, resource string, req query.PaginationRequest) (any, error) {
	switch resource {
	case records.ResourcePatients:
		items, err := svc.AllPatients(ctx, req)
		return nonNil(items, err)
	case records.ResourceDiseases:
		items, err := svc.AllDiseases(ctx, req)
		return nonNil(items, err)
	case records.ResourceDoctors:
		items, err := svc.AllDoctors(ctx, req)
		return nonNil(items, err)
	case records.ResourceTags:
		items, err := svc.AllTags(ctx, req)
		return nonNil(items, err)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownResource, resource)
	}
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](items []T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
