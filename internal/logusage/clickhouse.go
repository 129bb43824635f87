package logusage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// ClickHouseSink writes usage records to a ClickHouse table in batches.
//
// Records are placed on an internal buffered channel and flushed by a
// background goroutine, so Append never blocks the proxy hot path. When the
// channel fills up, new records are dropped and counted in Dropped.
type ClickHouseSink struct {
	conn  driver.Conn
	table string

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewClickHouseSink connects to ClickHouse using dsn and starts the flush
// goroutine. table must exist with columns matching Record.
func NewClickHouseSink(ctx context.Context, dsn, table string, log *slog.Logger) (*ClickHouseSink, error) {
	if table == "" {
		table = "aoai_usage"
	}
	if log == nil {
		log = slog.Default()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logusage: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logusage: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logusage: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		conn:    conn,
		table:   table,
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Append enqueues rec for the next batch. Never blocks; drops on overflow.
func (s *ClickHouseSink) Append(rec Record) error {
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of records lost to channel overflow.
func (s *ClickHouseSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains the channel, flushes the final batch and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			s.flush(batch)
			batch = batch[:0]

		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						s.flush(batch)
						batch = batch[:0]
					}
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()

	insert, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		s.log.Warn("clickhouse prepare failed",
			slog.String("error", err.Error()),
			slog.Int("records", len(batch)),
		)
		return
	}

	for _, rec := range batch {
		if err := insert.Append(
			rec.RequestReceivedUTC.UTC(),
			rec.Client,
			rec.IsStreaming,
			uint32(rec.PromptTokens),
			uint32(rec.CompletionTokens),
			uint32(rec.TotalTokens),
			uint32(rec.RoundtripMS),
			rec.Region,
			rec.EndpointName,
			rec.VirtualDeployment,
			rec.StandinDeployment,
		); err != nil {
			s.log.Warn("clickhouse append failed", slog.String("error", err.Error()))
			return
		}
	}

	if err := insert.Send(); err != nil {
		s.log.Warn("clickhouse send failed",
			slog.String("error", err.Error()),
			slog.Int("records", len(batch)),
		)
	}
}
