package strandstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/fyrsmithlabs/braidd/internal/strand"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - strands + consumptions
const currentSchemaVersion = 1

// SQLiteStore is a durable Store backed by SQLite in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a database at path and applies the schema.
// Safe to call repeatedly on the same file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set user_version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, st *strand.Strand) error {
	if err := st.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertRow(ctx, tx, st); err != nil {
		return err
	}
	for _, c := range st.ConsumedBy {
		if err := insertConsumption(ctx, tx, st.ID, c.Dimension, c.TargetLevel, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRow(ctx context.Context, ex execer, st *strand.Strand) error {
	attrs, err := json.Marshal(st.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	insights, _ := json.Marshal(nonNil(st.KeyInsights))
	recs, _ := json.Marshal(nonNil(st.Recommendations))
	sources, _ := json.Marshal(nonNil(st.SourceIDs))
	scores, err := json.Marshal(st.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	var payload []byte
	if len(st.Payload) > 0 {
		payload = st.Payload
	}
	var origin sql.NullString
	if st.OriginScores != nil {
		raw, err := json.Marshal(st.OriginScores)
		if err != nil {
			return fmt.Errorf("marshal origin scores: %w", err)
		}
		origin = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO strands (id, kind, level, attributes, payload, lesson, key_insights,
			recommendations, source_ids, dimension, bucket_key, scores, score_degraded,
			origin_scores, created_at, source_module)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Kind, st.Level, string(attrs), payload, st.Lesson, string(insights),
		string(recs), string(sources), st.Dimension, st.BucketKey, string(scores),
		boolInt(st.ScoreDegraded), origin, st.CreatedAt.UnixNano(), st.SourceModule)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, st.ID)
		}
		return fmt.Errorf("insert strand: %w", err)
	}
	return nil
}

func insertConsumption(ctx context.Context, ex execer, id, dimension string, level int, braidID string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO consumptions (strand_id, dimension, target_level, braid_id) VALUES (?, ?, ?, ?)`,
		id, dimension, level, nullString(braidID))
	if err == nil {
		return nil
	}
	switch {
	case isConstraint(err, sqlite3.ErrConstraintPrimaryKey):
		return fmt.Errorf("%w: %s (%s, %d)", ErrAlreadyConsumed, id, dimension, level)
	case isConstraint(err, sqlite3.ErrConstraintForeignKey):
		return fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	return fmt.Errorf("insert consumption: %w", err)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*strand.Strand, error) {
	out, err := s.load(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	return out[0], nil
}

// Query implements Store. Kind and level are pushed into SQL; attribute
// conditions are evaluated on the decoded rows.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*strand.Strand, error) {
	where := `WHERE kind = ? AND level >= ?`
	args := []any{q.Kind, q.MinLevel}
	if q.MaxLevel >= 0 {
		where += ` AND level <= ?`
		args = append(args, q.MaxLevel)
	}
	rows, err := s.load(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, st := range rows {
		if q.Filter.Matches(st.Attributes) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *SQLiteStore) load(ctx context.Context, where string, args ...any) ([]*strand.Strand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, level, attributes, payload, lesson, key_insights, recommendations,
			source_ids, dimension, bucket_key, scores, score_degraded, origin_scores,
			created_at, source_module
		FROM strands `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query strands: %w", err)
	}
	defer rows.Close()

	var out []*strand.Strand
	index := make(map[string]*strand.Strand)
	for rows.Next() {
		st, err := scanStrand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
		index[st.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strands: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	if err := s.attachConsumptions(ctx, where, args, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) attachConsumptions(ctx context.Context, where string, args []any, index map[string]*strand.Strand) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strand_id, dimension, target_level FROM consumptions
		WHERE strand_id IN (SELECT id FROM strands `+where+`)
		ORDER BY strand_id, target_level, dimension`, args...)
	if err != nil {
		return fmt.Errorf("query consumptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			c  strand.Consumption
		)
		if err := rows.Scan(&id, &c.Dimension, &c.TargetLevel); err != nil {
			return fmt.Errorf("scan consumption: %w", err)
		}
		if st, ok := index[id]; ok {
			st.ConsumedBy = append(st.ConsumedBy, c)
		}
	}
	return rows.Err()
}

func scanStrand(rows *sql.Rows) (*strand.Strand, error) {
	var (
		st                                     strand.Strand
		attrs, insights, recs, sources, scores string
		payload                                []byte
		origin                                 sql.NullString
		degraded                               int
		created                                int64
	)
	if err := rows.Scan(&st.ID, &st.Kind, &st.Level, &attrs, &payload, &st.Lesson, &insights,
		&recs, &sources, &st.Dimension, &st.BucketKey, &scores, &degraded, &origin,
		&created, &st.SourceModule); err != nil {
		return nil, fmt.Errorf("scan strand: %w", err)
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"attributes", attrs, &st.Attributes},
		{"key_insights", insights, &st.KeyInsights},
		{"recommendations", recs, &st.Recommendations},
		{"source_ids", sources, &st.SourceIDs},
		{"scores", scores, &st.Scores},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s of %s: %w", f.name, st.ID, err)
		}
	}
	if len(payload) > 0 {
		st.Payload = json.RawMessage(payload)
	}
	if origin.Valid {
		st.OriginScores = &strand.Scores{}
		if err := json.Unmarshal([]byte(origin.String), st.OriginScores); err != nil {
			return nil, fmt.Errorf("decode origin_scores of %s: %w", st.ID, err)
		}
	}
	if len(st.KeyInsights) == 0 {
		st.KeyInsights = nil
	}
	if len(st.Recommendations) == 0 {
		st.Recommendations = nil
	}
	if len(st.SourceIDs) == 0 {
		st.SourceIDs = nil
	}
	if len(st.Scores) == 0 {
		st.Scores = nil
	}
	st.ScoreDegraded = degraded != 0
	st.CreatedAt = time.Unix(0, created).UTC()
	return &st, nil
}

// UpdateScores implements Store.
func (s *SQLiteStore) UpdateScores(ctx context.Context, id string, card strand.ScoreCard) error {
	scores, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE strands SET scores = ?, score_degraded = ? WHERE id = ?`,
		string(scores), boolInt(card.Degraded()), id)
	if err != nil {
		return fmt.Errorf("update scores: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", strand.ErrStrandNotFound, id)
	}
	return nil
}

// MarkConsumed implements Store.
func (s *SQLiteStore) MarkConsumed(ctx context.Context, id, dimension string, targetLevel int) error {
	return insertConsumption(ctx, s.db, id, dimension, targetLevel, "")
}

// InsertBraid implements Store.
func (s *SQLiteStore) InsertBraid(ctx context.Context, braid *strand.Strand) error {
	if err := braid.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertRow(ctx, tx, braid); err != nil {
		return err
	}
	for _, id := range braid.SourceIDs {
		if err := insertConsumption(ctx, tx, id, braid.Dimension, braid.Level, braid.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit braid: %w", err)
	}
	return nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
