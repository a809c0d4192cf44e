package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
    id            UUID,
    user_id       String,
    backend       LowCardinality(String),
    model         LowCardinality(String),
    input_tokens  UInt32,
    output_tokens UInt32,
    latency_ms    UInt16,
    status        UInt16,
    cached        Bool,
    coalesced     Bool,
    stream        Bool,
    created_at    DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, backend)
TTL created_at + INTERVAL 90 DAY`

// ClickHouseSink writes flushed request-log batches to a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink dials ClickHouse and ensures the request_logs table
// exists. username/password may be empty for unauthenticated servers.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	if addr == "" {
		return nil, fmt.Errorf("clickhouse: addr must not be empty")
	}
	if database == "" {
		database = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open %s: %w", addr, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping %s: %w", addr, err)
	}

	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: create request_logs: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Flush(ctx context.Context, batch []RequestLog) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ins, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := ins.Append(
			e.ID,
			e.UserID,
			e.Backend,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.Coalesced,
			e.Stream,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := ins.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
