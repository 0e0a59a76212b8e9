// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/pkg/alarm"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/session"
)

// Session is one served store session: the protocol operations layered
// over the session core, plus the per-session subscription set and
// notice queue feeding pull and deliver.
type Session struct {
	*session.Core
	server *Server

	mu         sync.Mutex
	subscribed map[uuid.UUID]struct{}
	queue      []point.Value
	pullQuery  *point.Query
	wake       *alarm.Alarm
}

// maxQueuedNotices bounds the per-session notice queue. A session that
// armed a pull or a subscription and stops draining loses its oldest
// notices instead of growing without bound.
const maxQueuedNotices = 1024

// NewSessionBuilder returns the factory hook building store sessions
// for the given server.
func NewSessionBuilder(server *Server) session.Builder {
	return func(core *session.Core) (session.Session, error) {
		served := &Session{
			Core:       core,
			server:     server,
			subscribed: make(map[uuid.UUID]struct{}),
			wake:       alarm.New(),
		}
		server.addSession(served)
		return served, nil
	}
}

// Close releases the session. It is idempotent.
func (s *Session) Close() error {
	if s.IsClosed() {
		return nil
	}
	s.server.removeSession(s)
	s.wake.Close()
	return s.Core.Close()
}

// Handle serves the store protocol, falling back to the session core
// for the common operations.
func (s *Session) Handle(ctx context.Context, op string, params []byte) (any, error) {
	switch op {
	case opCapabilities:
		return s.server.Capabilities(), nil
	case opSelect:
		return s.handleSelect(ctx, params)
	case opUpdate:
		return s.handleUpdate(ctx, params)
	case opPull:
		return s.handlePull(ctx, params)
	case opPurge:
		return s.handlePurge(ctx, params)
	case opSubscribe:
		return nil, s.handleSubscribe(ctx, params, true)
	case opUnsubscribe:
		return nil, s.handleSubscribe(ctx, params, false)
	case opDeliver:
		return s.handleDeliver(ctx, params)
	case opGetSubscribed:
		return s.handleGetSubscribed(ctx)
	case opBindPoints:
		return s.handleBindPoints(params)
	default:
		return s.Core.Handle(ctx, op, params)
	}
}

func (s *Session) handleSelect(ctx context.Context, params []byte) (any, error) {
	if err := s.SecurityCheck(RoleQuery); err != nil {
		return nil, err
	}
	var request selectParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opSelect, "", err)
	}
	return selectResult{Responses: s.server.Select(ctx, request.Queries)}, nil
}

func (s *Session) handleUpdate(ctx context.Context, params []byte) (any, error) {
	if err := s.SecurityCheck(RoleUpdate); err != nil {
		return nil, err
	}
	var request updateParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opUpdate, "", err)
	}
	faults, err := s.server.Update(ctx, request.Values)
	if err != nil {
		return nil, err
	}
	return updateResult{Faults: faults}, nil
}

func (s *Session) handlePull(ctx context.Context, params []byte) (any, error) {
	if err := s.SecurityCheck(RoleQuery); err != nil {
		return nil, err
	}
	if s.server.cfg.PullDisabled {
		return nil, errors.NewStoreError(opPull, "", errors.ErrUnsupported)
	}
	var request pullParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opPull, "", err)
	}
	if request.Query == nil || !request.Query.IsPull() {
		return nil, errors.NewStoreError(opPull, "", errors.New("query is not a pull query"))
	}

	query := *request.Query
	if query.PointUUID != uuid.Nil || query.PointName != "" {
		restored, err := query.Restored(s.server.meta)
		if err != nil {
			return nil, errors.NewStoreError(opPull, query.String(), err)
		}
		query = restored
	}

	s.mu.Lock()
	s.pullQuery = &query
	s.mu.Unlock()

	accept := func(value point.Value) bool { return matchesPull(query, value) }
	return s.await(ctx, query.Rows, time.Duration(request.TimeoutMillis)*time.Millisecond, accept), nil
}

// matchesPull reports whether a committed value falls inside the pull
// query's scope.
func matchesPull(query point.Query, value point.Value) bool {
	if query.PointUUID != uuid.Nil && value.PointUUID != query.PointUUID {
		return false
	}
	return query.Interval.Contains(value.Stamp)
}

func (s *Session) handleDeliver(ctx context.Context, params []byte) (any, error) {
	if err := s.SecurityCheck(RoleQuery); err != nil {
		return nil, err
	}
	var request deliverParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opDeliver, "", err)
	}

	s.mu.Lock()
	subscribed := len(s.subscribed) > 0
	s.mu.Unlock()
	if !subscribed {
		return nil, errors.NewStoreError(opDeliver, "", errors.New("no subscriptions"))
	}

	only := func(value point.Value) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, wanted := s.subscribed[value.PointUUID]
		return wanted
	}
	return s.await(ctx, request.Limit, time.Duration(request.TimeoutMillis)*time.Millisecond, only), nil
}

// handleGetSubscribed returns the queued values of subscribed points
// without waiting. Right after a subscribe this holds the last stored
// value of each subscribed point.
func (s *Session) handleGetSubscribed(ctx context.Context) (any, error) {
	if err := s.SecurityCheck(RoleQuery); err != nil {
		return nil, err
	}

	s.mu.Lock()
	subscribed := len(s.subscribed) > 0
	s.mu.Unlock()
	if !subscribed {
		return nil, errors.NewStoreError(opGetSubscribed, "", errors.New("no subscriptions"))
	}

	only := func(value point.Value) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, wanted := s.subscribed[value.PointUUID]
		return wanted
	}
	return s.await(ctx, 0, 0, only), nil
}

// await drains the notice queue, long-polling on the session alarm when
// it is empty. A timeout of zero answers immediately, empty success
// included; a negative timeout waits until woken.
func (s *Session) await(ctx context.Context, limit int, timeout time.Duration, accept func(point.Value) bool) *point.StoreValues {
	deadline := time.Now().Add(timeout)
	for {
		values := s.drain(limit, accept)
		if len(values) > 0 || timeout == 0 {
			response := point.NewStoreValues()
			response.Values = values
			return response
		}
		if err := ctx.Err(); err != nil {
			return point.FailedStoreValues(errors.ErrQueryCancelled)
		}

		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return point.NewStoreValues()
			}
		}
		expired, err := s.wake.Snooze(remaining)
		if err != nil {
			return point.FailedStoreValues(errors.ErrServiceClosed)
		}
		if expired {
			return point.NewStoreValues()
		}
	}
}

func (s *Session) drain(limit int, accept func(point.Value) bool) []point.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []point.Value
	var kept []point.Value
	for _, value := range s.queue {
		if accept != nil && !accept(value) {
			kept = append(kept, value)
			continue
		}
		if limit > 0 && len(taken) >= limit {
			kept = append(kept, value)
			continue
		}
		taken = append(taken, value)
	}
	s.queue = kept
	return taken
}

// offer feeds committed values into the session queue when the session
// cares about them, waking any long-poll in flight.
func (s *Session) offer(values []point.Value) {
	s.mu.Lock()
	offered := false
	for _, value := range values {
		_, wanted := s.subscribed[value.PointUUID]
		if !wanted && (s.pullQuery == nil || !matchesPull(*s.pullQuery, value)) {
			continue
		}
		s.queue = append(s.queue, value)
		offered = true
	}
	if excess := len(s.queue) - maxQueuedNotices; excess > 0 {
		s.queue = append([]point.Value(nil), s.queue[excess:]...)
		logger.Warn().Int("dropped", excess).Str("client", s.Client()).
			Msg("Notice queue full, oldest notices dropped")
	}
	s.mu.Unlock()

	if offered {
		s.wake.WakeUp()
	}
}

func (s *Session) handleSubscribe(ctx context.Context, params []byte, subscribe bool) error {
	if err := s.SecurityCheck(RoleQuery); err != nil {
		return err
	}
	var request subscribeParams
	if err := json.Unmarshal(params, &request); err != nil {
		return errors.NewStoreError(opSubscribe, "", err)
	}

	for _, id := range request.PointUUIDs {
		if _, known := s.server.meta.LookupUUID(id); !known {
			return errors.NewStoreError(opSubscribe, id.String(), errors.ErrPointUnknown)
		}
	}

	s.mu.Lock()
	for _, id := range request.PointUUIDs {
		if subscribe {
			s.subscribed[id] = struct{}{}
		} else {
			delete(s.subscribed, id)
		}
	}
	s.mu.Unlock()

	if subscribe {
		s.seedSubscribed(ctx, request.PointUUIDs)
	}
	return nil
}

// seedSubscribed queues the last stored value of each newly subscribed
// point so a following getSubscribedValues sees the current state.
func (s *Session) seedSubscribed(ctx context.Context, ids []uuid.UUID) {
	queries := make([]*point.Query, len(ids))
	for i, id := range ids {
		query := point.NewQuery().SetPointUUID(id).SetReverse(true).SetRows(1).Build()
		queries[i] = &query
	}

	var seeded []point.Value
	for _, response := range s.server.Select(ctx, queries) {
		if response == nil || !response.Success() {
			continue
		}
		seeded = append(seeded, response.Values...)
	}
	if len(seeded) == 0 {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, seeded...)
	s.mu.Unlock()
	s.wake.WakeUp()
}

func (s *Session) handlePurge(ctx context.Context, params []byte) (any, error) {
	if err := s.SecurityCheck(RolePurge); err != nil {
		return nil, err
	}
	var request purgeParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opPurge, "", err)
	}
	purged, err := s.server.Purge(ctx, request.PointUUIDs, request.Interval)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("purged", purged).Str("client", s.Client()).Msg("Store purge")
	return purgeResult{Purged: purged}, nil
}

// handleBindPoints resolves point names to UUIDs. Unresolved names come
// back as the zero UUID; resolution failures never fail the batch.
func (s *Session) handleBindPoints(params []byte) (any, error) {
	var request bindPointsParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, errors.NewStoreError(opBindPoints, "", err)
	}

	bound := make([]uuid.UUID, len(request.Names))
	for i, name := range request.Names {
		if pt, known := s.server.meta.LookupName(name); known {
			bound[i] = pt.UUID
		} else {
			logger.Warn().Str("name", name).Msg("Point name not bound")
		}
	}
	return bindPointsResult{Bound: bound}, nil
}
