// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/pointvault/pointvault/config"
	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/point"
)

const (
	measurement  = "point_value"
	commitWindow = 30 * time.Second
)

// Influx is the InfluxDB storage engine. Writes are buffered in the
// open transaction and sent on Commit; Rollback just drops the buffer,
// so a batch is all-or-nothing from the store's point of view.
type Influx struct {
	cfg      config.InfluxConfig
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI

	mu            sync.Mutex
	inTransaction bool
	pending       []*write.Point
	deletes       []point.VersionedValue
	deleted       int
}

// NewInflux creates an InfluxDB engine from its property group.
func NewInflux(cfg config.InfluxConfig) *Influx {
	return &Influx{cfg: cfg}
}

// Open implements BackEnd. It connects and verifies the server health.
func (s *Influx) Open(ctx context.Context) error {
	client := influxdb2.NewClient(s.cfg.URL, s.cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return errors.NewBackEndError("open", fmt.Errorf("failed to connect to InfluxDB: %w", err))
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return errors.NewBackEndError("open", fmt.Errorf("InfluxDB health check failed: %s", message))
	}

	logger.Info().Str("url", s.cfg.URL).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.cfg.Organization, s.cfg.Bucket)
	s.queryAPI = client.QueryAPI(s.cfg.Organization)
	return nil
}

// Close implements BackEnd.
func (s *Influx) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

// BeginUpdates implements BackEnd.
func (s *Influx) BeginUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTransaction = true
	s.pending = s.pending[:0]
	s.deletes = s.deletes[:0]
	s.deleted = 0
}

// Commit implements BackEnd. The buffered writes and deletes of the
// transaction are sent now.
func (s *Influx) Commit() error {
	s.mu.Lock()
	pending := s.pending
	deletes := s.deletes
	s.pending = nil
	s.deletes = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commitWindow)
	defer cancel()

	if len(pending) > 0 {
		if err := s.writeAPI.WritePoint(ctx, pending...); err != nil {
			return errors.NewBackEndError("commit", err)
		}
	}
	for _, value := range deletes {
		if err := s.deleteOne(ctx, value); err != nil {
			return errors.NewBackEndError("commit", err)
		}
	}
	return nil
}

// Rollback implements BackEnd.
func (s *Influx) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	s.deletes = s.deletes[:0]
	s.deleted = 0
}

// EndUpdates implements BackEnd.
func (s *Influx) EndUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTransaction = false
	s.pending = nil
	s.deletes = nil
}

// Update implements BackEnd.
func (s *Influx) Update(value point.VersionedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTransaction {
		return errors.NewBackEndError("update", errors.New("no open transaction"))
	}

	fields := map[string]interface{}{
		"version": int64(value.Version),
	}
	if value.Payload != nil {
		fields["value"] = *value.Payload
	} else {
		fields["deleted"] = true
	}
	if value.State != "" {
		fields["state"] = value.State
	}

	entry := influxdb2.NewPoint(
		measurement,
		map[string]string{
			"uuid": value.PointUUID.String(),
		},
		fields,
		value.Stamp.Time(),
	)
	s.pending = append(s.pending, entry)
	return nil
}

// Delete implements BackEnd. The removal is buffered like a write; the
// reported count assumes the stamp was present, which the server has
// already confirmed for versioned deletes.
func (s *Influx) Delete(value point.VersionedValue) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTransaction {
		return 0, errors.NewBackEndError("delete", errors.New("no open transaction"))
	}
	s.deletes = append(s.deletes, value)
	s.deleted++
	return 1, nil
}

func (s *Influx) deleteOne(ctx context.Context, value point.VersionedValue) error {
	start := value.Stamp.Time()
	stop := value.Stamp.Next().Time()
	predicate := fmt.Sprintf(`_measurement="%s" AND uuid="%s"`, measurement, value.PointUUID)
	return s.client.DeleteAPI().DeleteWithName(ctx, s.cfg.Organization, s.cfg.Bucket, start, stop, predicate)
}

// CreateResponse implements BackEnd.
func (s *Influx) CreateResponse(ctx context.Context, query point.Query) *point.StoreValues {
	flux := s.buildFlux(query)
	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		logger.Error().Err(err).Str("uuid", query.PointUUID.String()).Msg("InfluxDB query failed")
		return point.FailedStoreValues(errors.NewBackEndError("select", err))
	}
	defer func() {
		_ = result.Close()
	}()

	limit := query.Rows
	response := point.NewStoreValues()
	for result.Next() {
		record := result.Record()
		value := point.Value{
			PointUUID: query.PointUUID,
			Stamp:     point.StampOf(record.Time()),
		}
		if payload, ok := record.ValueByKey("value").(float64); ok {
			value.Payload = &payload
		}
		if state, ok := record.ValueByKey("state").(string); ok {
			value.State = state
		}
		if limit > 0 && response.Size() >= limit {
			response.Mark = point.NewMark(query, response.Values[response.Size()-1].Stamp)
			break
		}
		response.Add(value)
	}
	if result.Err() != nil {
		return point.FailedStoreValues(errors.NewBackEndError("select", result.Err()))
	}
	return response
}

// buildFlux renders the Flux pipeline for a query: range, filters, pivot
// so value and state land on one row, sort and limit.
func (s *Influx) buildFlux(query point.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", s.cfg.Bucket)

	start, stop := "0", "now()"
	if notBefore, bounded := query.Interval.NotBefore(); bounded {
		start = fmt.Sprintf("time(v: %d)", int64(notBefore))
	}
	if notAfter, bounded := query.Interval.NotAfter(); bounded {
		// Flux stop is exclusive.
		stop = fmt.Sprintf("time(v: %d)", int64(notAfter.Next()))
	}
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r.uuid == %q)\n",
		measurement, query.PointUUID.String())
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	if query.Reverse {
		b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	} else {
		b.WriteString("  |> sort(columns: [\"_time\"])\n")
	}
	if query.Rows > 0 {
		// One extra row tells us whether to issue a mark.
		fmt.Fprintf(&b, "  |> limit(n: %d)\n", query.Rows+1)
	}
	return b.String()
}

// SupportsCount implements BackEnd.
func (s *Influx) SupportsCount() bool {
	return false
}

// SupportsPurge implements BackEnd.
func (s *Influx) SupportsPurge() bool {
	return false
}

// Purge implements BackEnd.
func (s *Influx) Purge(_ context.Context, _ []uuid.UUID, _ point.TimeInterval) (int, error) {
	return 0, errors.NewBackEndError("purge", errors.ErrUnsupported)
}
