// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/point"
	"github.com/pointvault/pointvault/registry"
	"github.com/pointvault/pointvault/session"
)

// Proxy is the client side of a store. Queries are accumulated and sent
// in batches; responses drain in FIFO order through NextValues. The
// store capabilities are fetched once, right after connecting.
type Proxy struct {
	storeName  string
	clientName string
	reg        *registry.Registry
	security   *session.SecurityContext
	cfg        config.StoreConfig

	mu        sync.Mutex
	caller    session.Caller
	caps      *Capabilities
	queries   []*point.Query
	responses []*point.StoreValues
	updates   []point.Value
}

// NewProxy creates a disconnected proxy for the configured store.
func NewProxy(cfg config.StoreConfig, clientName string, reg *registry.Registry, security *session.SecurityContext) *Proxy {
	return &Proxy{
		storeName:  cfg.Name,
		clientName: clientName,
		reg:        reg,
		security:   security,
		cfg:        cfg,
	}
}

// Connect establishes the session. On a private registry the factory is
// reached in-process and no socket is opened. Connect is idempotent.
func (p *Proxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.caller != nil {
		return nil
	}

	if exporter, local := p.reg.LookupLocal(p.storeName); local {
		factory, ok := exporter.(*session.Factory)
		if !ok {
			return errors.NewStoreError("connect", p.storeName,
				errors.New("registered service is not a session factory"))
		}
		served, err := factory.CreateSession(p.clientName)
		if err != nil {
			return err
		}
		p.caller = session.NewLocalCaller(served)
	} else {
		endpoint, err := p.reg.Lookup(ctx, p.storeName)
		if err != nil {
			return err
		}
		conn, err := session.Dial(ctx, endpoint, p.security, p.clientName)
		if err != nil {
			return err
		}
		p.caller = conn
	}

	var caps Capabilities
	if err := p.caller.Call(ctx, opCapabilities, nil, &caps); err != nil {
		_ = p.caller.Close()
		p.caller = nil
		return err
	}
	p.caps = &caps
	logger.Debug().Str("store", p.storeName).
		Bool("count", caps.Count).Bool("purge", caps.Purge).Bool("pull", caps.Pull).
		Msg("Store connected")
	return nil
}

// Login authenticates the session.
func (p *Proxy) Login(ctx context.Context, identifier string, password string) error {
	caller, err := p.connected()
	if err != nil {
		return err
	}
	return caller.Call(ctx, "login", map[string]string{
		"identifier": identifier,
		"password":   password,
	}, nil)
}

// Impersonate switches the session identity. The logged-in identity
// must hold the impersonate role.
func (p *Proxy) Impersonate(ctx context.Context, identifier string) error {
	caller, err := p.connected()
	if err != nil {
		return err
	}
	return caller.Call(ctx, "impersonate", map[string]string{"identifier": identifier}, nil)
}

func (p *Proxy) connected() (session.Caller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caller == nil {
		return nil, errors.NewStoreError("call", p.storeName, errors.New("not connected"))
	}
	return p.caller, nil
}

// Capabilities returns the store capabilities fetched at connect.
func (p *Proxy) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.caps == nil {
		return Capabilities{}
	}
	return *p.caps
}

// SupportsCount reports whether the store answers count queries.
func (p *Proxy) SupportsCount() bool { return p.Capabilities().Count }

// SupportsPurge reports whether the store implements purge.
func (p *Proxy) SupportsPurge() bool { return p.Capabilities().Purge }

// SupportsPull reports whether the store serves pull queries.
func (p *Proxy) SupportsPull() bool { return p.Capabilities().Pull }

// SupportsDeliver reports whether the store serves subscriptions.
func (p *Proxy) SupportsDeliver() bool { return p.Capabilities().Deliver }

// AddQuery queues a query for the next batch.
func (p *Proxy) AddQuery(query point.Query) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, &query)
}

// NextValues returns the next queued response, sending a batch of
// pending queries when the response queue is empty. It returns nil when
// nothing is pending.
func (p *Proxy) NextValues(ctx context.Context) (*point.StoreValues, error) {
	p.mu.Lock()
	if len(p.responses) == 0 && len(p.queries) > 0 {
		batch := p.queries
		limit := p.cfg.QueryBatchLimit
		if limit > 0 && len(batch) > limit {
			batch = batch[:limit]
		}
		p.queries = p.queries[len(batch):]
		p.mu.Unlock()

		responses, err := p.Select(ctx, batch)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.responses = append(p.responses, responses...)
	}

	if len(p.responses) == 0 {
		p.mu.Unlock()
		return nil, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	p.mu.Unlock()
	return next, nil
}

// Select sends one batch of queries and returns the aligned responses.
// Cancelled queries are answered locally without touching the wire.
func (p *Proxy) Select(ctx context.Context, queries []*point.Query) ([]*point.StoreValues, error) {
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}

	outgoing := make([]*point.Query, len(queries))
	cancelled := make([]bool, len(queries))
	live := 0
	for i, query := range queries {
		if query == nil {
			continue
		}
		if query.Cancelled {
			cancelled[i] = true
			continue
		}
		outgoing[i] = query
		live++
	}

	responses := make([]*point.StoreValues, len(queries))
	if live > 0 {
		var result selectResult
		if err := caller.Call(ctx, opSelect, selectParams{Queries: outgoing}, &result); err != nil {
			return nil, err
		}
		if len(result.Responses) != len(queries) {
			return nil, errors.NewStoreError(opSelect, p.storeName,
				errors.New("response count mismatch"))
		}
		responses = result.Responses
	}

	for i := range responses {
		if cancelled[i] {
			responses[i] = point.FailedStoreValues(errors.ErrQueryCancelled)
		}
	}
	return responses, nil
}

// Confirm verifies that a value is stored (or, for a deleted value,
// absent) by querying it back. It retries a bounded number of times with
// a fixed delay, then reports false.
func (p *Proxy) Confirm(ctx context.Context, value point.Value) (bool, error) {
	query := point.NewQuery().
		SetPointUUID(value.PointUUID).
		SetNotBefore(value.Stamp).
		SetNotAfter(value.Stamp).
		Build()

	for attempt := 0; ; attempt++ {
		responses, err := p.Select(ctx, []*point.Query{&query})
		if err != nil {
			return false, err
		}
		response := responses[0]
		if response.Success() {
			present := !response.IsEmpty() && !response.Values[0].IsDeleted()
			if present != value.IsDeleted() {
				return true, nil
			}
		}

		if attempt >= p.cfg.ConfirmRetries {
			logger.Debug().Str("point", value.PointName).Stringer("stamp", value.Stamp).
				Msg("Value not confirmed")
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, errors.NewStoreError("confirm", value.PointName, ctx.Err())
		case <-time.After(p.cfg.ConfirmDelay):
		}
	}
}

// BindPoints resolves point names to their UUIDs. Names the store cannot
// resolve are logged and come back as the zero UUID; they are never
// dropped from the result.
func (p *Proxy) BindPoints(ctx context.Context, names []string) ([]uuid.UUID, error) {
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}

	var result bindPointsResult
	if err := caller.Call(ctx, opBindPoints, bindPointsParams{Names: names}, &result); err != nil {
		return nil, err
	}
	for i, id := range result.Bound {
		if id == uuid.Nil {
			logger.Warn().Str("name", names[i]).Str("store", p.storeName).
				Msg("Point bind failed")
		}
	}
	return result.Bound, nil
}

// AddUpdate queues a value for the next update batch.
func (p *Proxy) AddUpdate(value point.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, value)
}

// SendUpdates sends the queued update batch. On a transport failure the
// batch is kept for a later retry; on success it is cleared and the
// aligned per-value faults are returned.
func (p *Proxy) SendUpdates(ctx context.Context) ([]*point.Fault, error) {
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	batch := p.updates
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}

	var result updateResult
	if err := caller.Call(ctx, opUpdate, updateParams{Values: batch}, &result); err != nil {
		logger.Warn().Err(err).Int("values", len(batch)).Str("store", p.storeName).
			Msg("Update batch failed; batch kept")
		return nil, err
	}

	p.mu.Lock()
	p.updates = p.updates[len(batch):]
	p.mu.Unlock()
	return result.Faults, nil
}

// Pull long-polls the store for committed values matching the query,
// which must carry the pull flag. A zero timeout answers immediately;
// a negative one waits until values arrive.
func (p *Proxy) Pull(ctx context.Context, query point.Query, timeout time.Duration) (*point.StoreValues, error) {
	if !query.IsPull() {
		return nil, errors.NewStoreError(opPull, p.storeName, errors.New("query is not a pull query"))
	}
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}
	var response point.StoreValues
	err = caller.Call(ctx, opPull, pullParams{
		Query:         &query,
		TimeoutMillis: timeout.Milliseconds(),
	}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Subscribe registers interest in the given points.
func (p *Proxy) Subscribe(ctx context.Context, pointUUIDs []uuid.UUID) error {
	caller, err := p.connected()
	if err != nil {
		return err
	}
	return caller.Call(ctx, opSubscribe, subscribeParams{PointUUIDs: pointUUIDs}, nil)
}

// Unsubscribe drops interest in the given points.
func (p *Proxy) Unsubscribe(ctx context.Context, pointUUIDs []uuid.UUID) error {
	caller, err := p.connected()
	if err != nil {
		return err
	}
	return caller.Call(ctx, opUnsubscribe, subscribeParams{PointUUIDs: pointUUIDs}, nil)
}

// Deliver long-polls for values of subscribed points.
func (p *Proxy) Deliver(ctx context.Context, limit int, timeout time.Duration) (*point.StoreValues, error) {
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}
	var response point.StoreValues
	err = caller.Call(ctx, opDeliver, deliverParams{
		Limit:         limit,
		TimeoutMillis: timeout.Milliseconds(),
	}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// GetSubscribedValues returns the queued values of subscribed points
// without waiting. Right after Subscribe it holds the last stored value
// of each subscribed point.
func (p *Proxy) GetSubscribedValues(ctx context.Context) (*point.StoreValues, error) {
	caller, err := p.connected()
	if err != nil {
		return nil, err
	}
	var response point.StoreValues
	if err := caller.Call(ctx, opGetSubscribed, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Purge removes all values of the given points within the interval.
func (p *Proxy) Purge(ctx context.Context, pointUUIDs []uuid.UUID, interval point.TimeInterval) (int, error) {
	if !p.SupportsPurge() {
		return 0, errors.NewStoreError(opPurge, p.storeName, errors.ErrUnsupported)
	}
	caller, err := p.connected()
	if err != nil {
		return 0, err
	}
	var result purgeResult
	if err := caller.Call(ctx, opPurge, purgeParams{PointUUIDs: pointUUIDs, Interval: interval}, &result); err != nil {
		return 0, err
	}
	return result.Purged, nil
}

// Close releases the session. It is idempotent.
func (p *Proxy) Close() error {
	p.mu.Lock()
	caller := p.caller
	p.caller = nil
	p.caps = nil
	p.mu.Unlock()

	if caller == nil {
		return nil
	}
	return caller.Close()
}
