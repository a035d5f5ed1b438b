package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by a Postgres table, one row per
// journal entry, for multi-process PBS deployments that share a single
// partition's journal across replicas. The query shapes here follow the
// teacher's compliance/storage/postgres outbox pattern: insert-by-id,
// select-by-range, existence-free error handling via pgx.ErrNoRows.
type PostgresStore struct {
	pool      *pgxpool.Pool
	partition string
}

// NewPostgresStore wraps an already-migrated pool. Schema migration is the
// caller's responsibility via golang-migrate (see pkg/pbsdb/migrations) so
// that store construction never has side effects on the database.
func NewPostgresStore(pool *pgxpool.Pool, partition string) *PostgresStore {
	return &PostgresStore{pool: pool, partition: partition}
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO journal_entries (partition_name, journal_id, entry_type, payload)
		VALUES ($1, $2, $3, $4)`,
		s.partition, entry.JournalID, string(entry.Type), []byte(entry.Payload))
	if err != nil {
		return fmt.Errorf("append journal entry %d: %w", entry.JournalID, err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, afterID uint64) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT journal_id, entry_type, payload
		FROM journal_entries
		WHERE partition_name = $1 AND journal_id > $2
		ORDER BY journal_id ASC`,
		s.partition, afterID)
	if err != nil {
		return nil, fmt.Errorf("read journal entries after %d: %w", afterID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var entryType string
		var payload []byte
		if err := rows.Scan(&e.JournalID, &entryType, &payload); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Type = EntryType(entryType)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastJournalID(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(journal_id), 0) FROM journal_entries WHERE partition_name = $1`,
		s.partition).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("last journal id: %w", err)
	}
	return last, nil
}

func (s *PostgresStore) GC(ctx context.Context, upToID uint64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM journal_entries WHERE partition_name = $1 AND journal_id <= $2`,
		s.partition, upToID)
	if err != nil {
		return fmt.Errorf("gc journal entries up to %d: %w", upToID, err)
	}
	return nil
}
