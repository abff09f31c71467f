package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/erpsync/internal/store"
)

// Sink exports change records to ClickHouse using the official Go client.
// ClickHouse suits the append-only, high-volume shape of the audit trail.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, username, password, table string) (*Sink, error) {
	if table == "" {
		table = "erp_changes"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, c store.Change) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (run_id, domain, entity_id, change_type, field, old_value, new_value, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	err := s.conn.Exec(ctx, query,
		c.RunID,
		string(c.Domain),
		c.EntityID,
		string(c.Type),
		c.Field,
		c.OldValue,
		c.NewValue,
		c.At,
	)
	if err != nil {
		return fmt.Errorf("insert change into ClickHouse: %w", err)
	}
	return nil
}
