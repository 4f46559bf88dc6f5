package hotstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// DuckStore is the DuckDB-backed Store implementation: one on-disk database
// file per stream, matching spec.md §4.2's "embedded relational store
// co-located with the stream engine instance".
type DuckStore struct {
	db   *sql.DB
	path string
}

// PathForStream returns the on-disk database path for a stream,
// <dataDir>/hot/<project>/<stream>.duckdb. The project and stream path
// components are joined as given, without any encoding.
func PathForStream(dataDir, project, stream string) string {
	return filepath.Join(dataDir, "hot", project, stream+".duckdb")
}

// Open opens (creating if absent) the DuckDB database for one stream and
// ensures the schema from spec.md §4.2 exists.
func Open(dbPath string) (*DuckStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("hotstore: mkdir: %w", err)
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("hotstore: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // DuckDB single-writer file; the engine actor already serializes access
	s := &DuckStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id INTEGER PRIMARY KEY,
			content_type VARCHAR NOT NULL,
			closed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			tail_seq UBIGINT NOT NULL DEFAULT 0,
			tail_byte UBIGINT NOT NULL DEFAULT 0,
			reader_key VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS ops (
			seq UBIGINT PRIMARY KEY,
			byte_offset UBIGINT NOT NULL,
			payload BLOB NOT NULL,
			write_ts TIMESTAMP NOT NULL,
			producer_id VARCHAR,
			producer_epoch BIGINT,
			producer_seq BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			idx INTEGER PRIMARY KEY,
			start_seq UBIGINT NOT NULL,
			end_seq UBIGINT NOT NULL,
			start_byte UBIGINT NOT NULL,
			end_byte UBIGINT NOT NULL,
			byte_len BIGINT NOT NULL,
			object_key VARCHAR NOT NULL,
			content_type VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS producers (
			producer_id VARCHAR PRIMARY KEY,
			epoch BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			last_updated TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("hotstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *DuckStore) CreateStream(ctx context.Context, meta StreamMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (id, content_type, closed, created_at, expires_at, tail_seq, tail_byte, reader_key)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		meta.ContentType, meta.Closed, meta.CreatedAt, nullableTime(meta.ExpiresAt),
		meta.TailOffset.StreamSeq, meta.TailOffset.ByteOffset, nullableString(meta.ReaderKey))
	if err != nil {
		return fmt.Errorf("hotstore: create stream: %w", err)
	}
	return nil
}

func (s *DuckStore) GetStreamMeta(ctx context.Context) (StreamMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_type, closed, created_at, expires_at, tail_seq, tail_byte, reader_key FROM streams WHERE id = 1`)
	var (
		meta      StreamMeta
		expires   sql.NullTime
		readerKey sql.NullString
	)
	if err := row.Scan(&meta.ContentType, &meta.Closed, &meta.CreatedAt, &expires, &meta.TailOffset.StreamSeq, &meta.TailOffset.ByteOffset, &readerKey); err != nil {
		if err == sql.ErrNoRows {
			return StreamMeta{}, ErrNotInitialized{}
		}
		return StreamMeta{}, fmt.Errorf("hotstore: get stream meta: %w", err)
	}
	meta.StreamSeq = meta.TailOffset.StreamSeq
	if expires.Valid {
		meta.ExpiresAt = &expires.Time
	}
	if readerKey.Valid {
		meta.ReaderKey = readerKey.String
	}
	return meta, nil
}

func (s *DuckStore) UpdateStreamMeta(ctx context.Context, meta StreamMeta) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE streams SET content_type = ?, closed = ?, expires_at = ?, tail_seq = ?, tail_byte = ?, reader_key = ? WHERE id = 1`,
		meta.ContentType, meta.Closed, nullableTime(meta.ExpiresAt), meta.TailOffset.StreamSeq, meta.TailOffset.ByteOffset, nullableString(meta.ReaderKey))
	if err != nil {
		return fmt.Errorf("hotstore: update stream meta: %w", err)
	}
	return nil
}

func (s *DuckStore) Append(ctx context.Context, in AppendInput) (offsetv.Offset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return offsetv.Offset{}, fmt.Errorf("hotstore: begin append tx: %w", err)
	}
	defer tx.Rollback()

	var tailSeq, tailByte uint64
	var closed bool
	if err := tx.QueryRowContext(ctx, `SELECT tail_seq, tail_byte, closed FROM streams WHERE id = 1`).Scan(&tailSeq, &tailByte, &closed); err != nil {
		return offsetv.Offset{}, fmt.Errorf("hotstore: read tail: %w", err)
	}

	offset := offsetv.Offset{StreamSeq: tailSeq, ByteOffset: tailByte}
	newTail := offsetv.Offset{StreamSeq: tailSeq + 1, ByteOffset: tailByte + uint64(len(in.Payload))}

	now := time.Now().UTC()
	var prodID sql.NullString
	var prodEpoch, prodSeq sql.NullInt64
	if in.HasProducer {
		prodID = sql.NullString{String: in.ProducerID, Valid: true}
		prodEpoch = sql.NullInt64{Int64: in.ProducerEpoch, Valid: true}
		prodSeq = sql.NullInt64{Int64: in.ProducerSeq, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ops (seq, byte_offset, payload, write_ts, producer_id, producer_epoch, producer_seq) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tailSeq, tailByte, in.Payload, now, prodID, prodEpoch, prodSeq); err != nil {
		return offsetv.Offset{}, fmt.Errorf("hotstore: insert op: %w", err)
	}

	newClosed := closed || in.Close
	if _, err := tx.ExecContext(ctx,
		`UPDATE streams SET tail_seq = ?, tail_byte = ?, closed = ? WHERE id = 1`,
		newTail.StreamSeq, newTail.ByteOffset, newClosed); err != nil {
		return offsetv.Offset{}, fmt.Errorf("hotstore: advance tail: %w", err)
	}

	if in.HasProducer {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO producers (producer_id, epoch, seq, last_updated) VALUES (?, ?, ?, ?)
			 ON CONFLICT (producer_id) DO UPDATE SET epoch = excluded.epoch, seq = excluded.seq, last_updated = excluded.last_updated`,
			in.ProducerID, in.ProducerEpoch, in.ProducerSeq, now); err != nil {
			return offsetv.Offset{}, fmt.Errorf("hotstore: upsert producer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return offsetv.Offset{}, fmt.Errorf("hotstore: commit append: %w", err)
	}
	return offset, nil
}

func (s *DuckStore) ListOps(ctx context.Context, from offsetv.Offset, maxBytes int) ([]Op, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, byte_offset, payload, write_ts, producer_id, producer_epoch, producer_seq
		 FROM ops WHERE seq >= ? ORDER BY seq ASC`, from.StreamSeq)
	if err != nil {
		return nil, fmt.Errorf("hotstore: list ops: %w", err)
	}
	defer rows.Close()

	var out []Op
	total := 0
	for rows.Next() {
		var (
			op        Op
			prodID    sql.NullString
			prodEpoch sql.NullInt64
			prodSeq   sql.NullInt64
		)
		if err := rows.Scan(&op.Offset.StreamSeq, &op.Offset.ByteOffset, &op.Payload, &op.WriteTS, &prodID, &prodEpoch, &prodSeq); err != nil {
			return nil, fmt.Errorf("hotstore: scan op: %w", err)
		}
		if prodID.Valid {
			op.HasProducer = true
			op.ProducerID = prodID.String
			op.ProducerEpoch = prodEpoch.Int64
			op.ProducerSeq = prodSeq.Int64
		}
		if maxBytes > 0 && total > 0 && total+len(op.Payload) > maxBytes {
			break
		}
		out = append(out, op)
		total += len(op.Payload)
	}
	return out, rows.Err()
}

func (s *DuckStore) OpsStats(ctx context.Context, from offsetv.Offset) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM ops WHERE seq >= ?`, from.StreamSeq).
		Scan(&stats.Count, &stats.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("hotstore: ops stats: %w", err)
	}
	return stats, nil
}

func (s *DuckStore) AddSegment(ctx context.Context, seg Segment, coveredFrom, coveredTo offsetv.Offset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hotstore: begin segment tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments WHERE start_seq = ?`, seg.StartSeq).Scan(&exists); err != nil {
		return fmt.Errorf("hotstore: check existing segment: %w", err)
	}
	if exists > 0 {
		// Idempotent retry after a crash between the segment object write
		// and this transaction (spec.md §4.5): the object is byte-identical
		// and the row already exists, so just clear any surviving ops.
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segments (idx, start_seq, end_seq, start_byte, end_byte, byte_len, object_key, content_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.Idx, seg.StartOffset.StreamSeq, seg.EndOffset.StreamSeq, seg.StartOffset.ByteOffset, seg.EndOffset.ByteOffset,
			seg.ByteLen, seg.ObjectKey, seg.ContentType); err != nil {
			return fmt.Errorf("hotstore: insert segment: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ops WHERE seq >= ? AND seq <= ?`, coveredFrom.StreamSeq, coveredTo.StreamSeq); err != nil {
		return fmt.Errorf("hotstore: delete rotated ops: %w", err)
	}

	return tx.Commit()
}

func (s *DuckStore) ListSegments(ctx context.Context) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, start_seq, end_seq, start_byte, end_byte, byte_len, object_key, content_type FROM segments ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("hotstore: list segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Idx, &seg.StartOffset.StreamSeq, &seg.EndOffset.StreamSeq, &seg.StartOffset.ByteOffset,
			&seg.EndOffset.ByteOffset, &seg.ByteLen, &seg.ObjectKey, &seg.ContentType); err != nil {
			return nil, fmt.Errorf("hotstore: scan segment: %w", err)
		}
		seg.StartSeq, seg.EndSeq = seg.StartOffset.StreamSeq, seg.EndOffset.StreamSeq
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *DuckStore) GetProducer(ctx context.Context, producerID string) (ProducerState, error) {
	var st ProducerState
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, seq, last_updated FROM producers WHERE producer_id = ?`, producerID).
		Scan(&st.Epoch, &st.Seq, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return ProducerState{}, ErrProducerNotFound{ProducerID: producerID}
	}
	if err != nil {
		return ProducerState{}, fmt.Errorf("hotstore: get producer: %w", err)
	}
	return st, nil
}

func (s *DuckStore) DeleteAll(ctx context.Context) error {
	for _, tbl := range []string{"ops", "segments", "producers", "streams"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tbl); err != nil {
			return fmt.Errorf("hotstore: delete all from %s: %w", tbl, err)
		}
	}
	return nil
}

func (s *DuckStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
