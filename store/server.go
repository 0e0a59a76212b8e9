// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/pkg/metrics"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/polate"
	"github.com/pointvault/pointvault/store/backend"
)

// Notifier receives the committed values of an update batch. Both
// replication and notice fan-out implement it; deliveries are
// fire-and-forget, an update is durable once the back-end commits.
type Notifier interface {
	Notify(values []point.Value) error
}

// Server is the store engine: it answers queries, applies update
// batches against the back-end, and fans committed values out to
// pulling and subscribed sessions.
type Server struct {
	name    string
	cfg     config.StoreConfig
	meta    *point.Metadata
	backend backend.BackEnd

	// updatesMu serializes update batches against each other and
	// against reads: an update batch holds the write side, selects
	// hold the read side while a back-end read is in flight.
	updatesMu sync.RWMutex

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	replicator Notifier
	notifier   Notifier
	breaker    *gobreaker.CircuitBreaker
}

// NewServer creates a store server over the given back-end and metadata
// snapshot.
func NewServer(cfg config.StoreConfig, meta *point.Metadata, engine backend.BackEnd) *Server {
	return &Server{
		name:     cfg.Name,
		cfg:      cfg,
		meta:     meta,
		backend:  engine,
		sessions: make(map[*Session]struct{}),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name + "-notices",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Notice breaker state change")
			},
		}),
	}
}

// SetReplicator installs the replication sink.
func (s *Server) SetReplicator(replicator Notifier) {
	s.replicator = replicator
}

// SetNotifier installs the notice sink.
func (s *Server) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

// Open opens the back-end.
func (s *Server) Open(ctx context.Context) error {
	return s.backend.Open(ctx)
}

// Close closes every session and the back-end.
func (s *Server) Close() error {
	s.sessionsMu.Lock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for served := range s.sessions {
		snapshot = append(snapshot, served)
	}
	s.sessionsMu.Unlock()
	for _, served := range snapshot {
		_ = served.Close()
	}
	return s.backend.Close()
}

// Metadata returns the point metadata snapshot.
func (s *Server) Metadata() *point.Metadata {
	return s.meta
}

// Capabilities reports what this store supports. Count and purge are
// delegated to the back-end.
func (s *Server) Capabilities() Capabilities {
	return Capabilities{
		Count:         s.backend.SupportsCount(),
		Purge:         s.backend.SupportsPurge(),
		Pull:          !s.cfg.PullDisabled,
		Subscribe:     true,
		Deliver:       true,
		ResponseLimit: s.cfg.ResponseLimit,
	}
}

func (s *Server) enterUpdates() {
	s.updatesMu.Lock()
}

func (s *Server) leaveUpdates() {
	s.updatesMu.Unlock()
}

func (s *Server) suspendUpdates() {
	s.updatesMu.RLock()
}

func (s *Server) resumeUpdates() {
	s.updatesMu.RUnlock()
}

// Select answers a batch of queries. The responses align with the
// queries: slot i answers query i, a nil query yields a nil response, a
// query naming an unknown point yields a per-slot error response. The
// batch never fails as a whole for one bad query.
func (s *Server) Select(ctx context.Context, queries []*point.Query) []*point.StoreValues {
	responses := make([]*point.StoreValues, len(queries))

	for i, query := range queries {
		if query == nil {
			continue
		}
		responses[i] = s.selectOne(ctx, *query)
	}
	return responses
}

func (s *Server) selectOne(ctx context.Context, query point.Query) *point.StoreValues {
	started := time.Now()
	metrics.QueriesTotal.Inc()

	if query.Cancelled {
		return point.FailedStoreValues(errors.ErrQueryCancelled)
	}

	restored, err := query.Restored(s.meta)
	if err != nil {
		metrics.QueryErrors.Inc()
		return point.FailedStoreValues(err)
	}

	var response *point.StoreValues
	if restored.IsPolated() {
		response = s.polated(ctx, restored)
	} else {
		s.suspendUpdates()
		response = s.backend.CreateResponse(ctx, restored)
		s.resumeUpdates()
	}

	if !response.Success() {
		metrics.QueryErrors.Inc()
	}
	metrics.QueryDuration.Observe(time.Since(started).Seconds())
	return response
}

// polated runs the query through the inter/extrapolation engine backed
// by raw selects against this store.
func (s *Server) polated(ctx context.Context, query point.Query) *point.StoreValues {
	pt, _ := s.meta.LookupUUID(query.PointUUID)
	engine, err := polate.NewEngine(query, pt, s.rawSelector(), s.cfg.DenseFetchFactor)
	if err != nil {
		return point.FailedStoreValues(err)
	}
	return engine.Run(ctx)
}

func (s *Server) rawSelector() polate.Selector {
	return polate.SelectorFunc(func(ctx context.Context, query point.Query) *point.StoreValues {
		s.suspendUpdates()
		defer s.resumeUpdates()
		return s.backend.CreateResponse(ctx, query)
	})
}

// Update applies one batch of values in a single back-end transaction.
// Per-value validation problems fill the aligned fault slots without
// aborting the rest of the batch; a back-end failure rolls the whole
// batch back. On success the committed values are replicated and
// noticed, gated by a single done flag so nothing leaks out of a failed
// batch.
func (s *Server) Update(ctx context.Context, values []point.Value) ([]*point.Fault, error) {
	started := time.Now()
	faults := make([]*point.Fault, len(values))
	committed := make([]point.Value, 0, len(values))

	s.enterUpdates()
	s.backend.BeginUpdates()
	done := false
	defer func() {
		if !done {
			s.backend.Rollback()
		}
		s.backend.EndUpdates()
		s.leaveUpdates()
		metrics.UpdateBatchDuration.Observe(time.Since(started).Seconds())
	}()

	for i, value := range values {
		if err := ctx.Err(); err != nil {
			return faults, errors.NewStoreError("update", "", err)
		}

		restored, err := value.Restored(s.meta)
		if err != nil {
			faults[i] = point.FaultOf(err)
			metrics.IgnoredUpdatesTotal.Inc()
			continue
		}

		versioned := point.NewVersionedValue(restored, 0)
		if restored.IsDeleted() {
			count, deleteErr := s.backend.Delete(versioned)
			if deleteErr != nil {
				return faults, deleteErr
			}
			metrics.DeletesTotal.Add(float64(count))
			logger.Trace().Str("point", restored.PointName).Stringer("stamp", restored.Stamp).
				Msg("Value deleted")
			if pt, _ := s.meta.LookupUUID(restored.PointUUID); pt != nil && pt.Tombstones {
				if err := s.backend.Update(versioned); err != nil {
					return faults, err
				}
			}
		} else {
			if err := s.backend.Update(versioned); err != nil {
				return faults, err
			}
			metrics.UpdatesTotal.Inc()
			logger.Trace().Str("point", restored.PointName).Stringer("stamp", restored.Stamp).
				Msg("Value updated")
		}
		committed = append(committed, restored)
	}

	if err := s.backend.Commit(); err != nil {
		logger.Error().Err(err).Str("store", s.name).Msg("Update commit failed")
		return faults, err
	}
	done = true

	s.fanOut(committed)
	return faults, nil
}

// fanOut replicates and notices committed values. Failures are logged,
// never propagated: the batch is already durable.
func (s *Server) fanOut(values []point.Value) {
	if len(values) == 0 {
		return
	}

	if s.replicator != nil {
		if _, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.replicator.Notify(values)
		}); err != nil {
			metrics.ReplicationErrors.Inc()
			logger.Warn().Err(err).Str("store", s.name).Msg("Replication failed")
		}
	}

	if s.notifier != nil {
		if _, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.notifier.Notify(values)
		}); err != nil {
			logger.Warn().Err(err).Str("store", s.name).Msg("Notice delivery failed")
		}
	}
	metrics.NoticesTotal.Add(float64(len(values)))

	s.sessionsMu.Lock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for served := range s.sessions {
		snapshot = append(snapshot, served)
	}
	s.sessionsMu.Unlock()
	for _, served := range snapshot {
		served.offer(values)
	}
}

// Purge removes all values of the given points within the interval.
func (s *Server) Purge(ctx context.Context, pointUUIDs []uuid.UUID, interval point.TimeInterval) (int, error) {
	if !s.backend.SupportsPurge() {
		return 0, errors.NewStoreError("purge", "", errors.ErrUnsupported)
	}
	for _, id := range pointUUIDs {
		if _, known := s.meta.LookupUUID(id); !known {
			return 0, errors.NewStoreError("purge", id.String(), errors.ErrPointUnknown)
		}
	}

	s.enterUpdates()
	defer s.leaveUpdates()
	return s.backend.Purge(ctx, pointUUIDs, interval)
}

func (s *Server) addSession(served *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[served] = struct{}{}
}

func (s *Server) removeSession(served *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, served)
}
