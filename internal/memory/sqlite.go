package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable memory backend. Vectors are stored as
// little-endian float32 blobs and similarity is computed in Go.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	params   Params
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSQLiteStore(dbPath string, embedder Embedder, params Params) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		embedder: embedder,
		params:   params.withDefaults(),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			text TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			vector BLOB,
			confidence REAL NOT NULL,
			created_at DATETIME,
			last_reinforced_at DATETIME,
			access_count INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			pruned_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(subject_id, active);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// SetClock overrides the time source (for testing purposes).
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Remember(ctx context.Context, subjectID, text, category string, confidence float64) (string, error) {
	if confidence == 0 {
		confidence = DefaultInitialConfidence
	}
	confidence = ClampConfidence(confidence)

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	vecBuf := new(bytes.Buffer)
	if err := binary.Write(vecBuf, binary.LittleEndian, vector); err != nil {
		return "", fmt.Errorf("failed to encode vector: %w", err)
	}

	id := uuid.NewString()
	now := s.now()
	query := `INSERT INTO memories (id, subject_id, text, category, vector, confidence, created_at, last_reinforced_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, subjectID, text, category, vecBuf.Bytes(), confidence, now, now); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *SQLiteStore) Search(ctx context.Context, subjectID, query string, minConfidence float64, topK int) ([]Item, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, text, category, vector, confidence, created_at, last_reinforced_at, access_count, active, pruned_at
		 FROM memories WHERE subject_id = ? AND active = 1`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	now := s.now()
	var matched []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			continue
		}
		item.Confidence = s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
		if item.Confidence < minConfidence {
			continue
		}
		item.Similarity = cosineSimilarity(qvec, item.Vector)
		matched = append(matched, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Similarity != matched[j].Similarity {
			return matched[i].Similarity > matched[j].Similarity
		}
		return matched[i].LastReinforcedAt.After(matched[j].LastReinforcedAt)
	})

	if len(matched) > topK {
		matched = matched[:topK]
	}
	return matched, nil
}

func (s *SQLiteStore) Reinforce(ctx context.Context, id string) (float64, error) {
	lock := s.itemLock(id)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.getLocked(ctx, id)
	if err != nil {
		return 0, err
	}

	now := s.now()
	if !item.Active && !item.PrunedAt.IsZero() && now.After(item.PrunedAt.Add(s.params.PruneGrace)) {
		return 0, ErrNotFound
	}

	effective := s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
	confidence := ReinforceConfidence(effective, s.params.ReinforceRate)

	query := `UPDATE memories SET confidence = ?, last_reinforced_at = ?, access_count = access_count + 1, active = 1, pruned_at = NULL WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, confidence, now, id); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return confidence, nil
}

func (s *SQLiteStore) Decay(ctx context.Context, subjectID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, confidence, last_reinforced_at FROM memories WHERE subject_id = ? AND active = 1`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	type candidate struct {
		id             string
		category       string
		confidence     float64
		lastReinforced time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.category, &c.confidence, &c.lastReinforced); err != nil {
			continue
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	now := s.now()
	pruned := 0
	for _, c := range candidates {
		if s.params.Exempt(c.category) {
			continue
		}
		if effectiveAt(c.confidence, c.lastReinforced, now, s.params.HalfLife) >= s.params.PruneFloor {
			continue
		}

		// Re-check under the item lock so a concurrent reinforce wins.
		lock := s.itemLock(c.id)
		lock.Lock()
		item, err := s.getLocked(ctx, c.id)
		if err == nil && item.Active &&
			effectiveAt(item.Confidence, item.LastReinforcedAt, now, s.params.HalfLife) < s.params.PruneFloor {
			query := `UPDATE memories SET active = 0, pruned_at = ? WHERE id = ?`
			if _, err := s.db.ExecContext(ctx, query, now, c.id); err == nil {
				pruned++
			}
		}
		lock.Unlock()
	}
	return pruned, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	item, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !item.Active && !item.PrunedAt.IsZero() && now.After(item.PrunedAt.Add(s.params.PruneGrace)) {
		return nil, ErrNotFound
	}
	item.Confidence = s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
	return item, nil
}

func (s *SQLiteStore) Forget(ctx context.Context, id string) error {
	lock := s.itemLock(id)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.dropLock(id)
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, subjectID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE subject_id = ? AND active = 1`, subjectID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	affected := 0

	// Hard-delete deactivated items past the grace period.
	rows, err := s.db.QueryContext(ctx, `SELECT id, pruned_at FROM memories WHERE active = 0 AND pruned_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var prunedAt time.Time
		if err := rows.Scan(&id, &prunedAt); err != nil {
			continue
		}
		if now.After(prunedAt.Add(s.params.PruneGrace)) {
			expired = append(expired, id)
		}
	}
	rows.Close()

	for _, id := range expired {
		lock := s.itemLock(id)
		lock.Lock()
		res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND active = 0`, id)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				affected++
				s.dropLock(id)
			}
		}
		lock.Unlock()
	}

	// Decay every subject with active items.
	subjRows, err := s.db.QueryContext(ctx, `SELECT DISTINCT subject_id FROM memories WHERE active = 1`)
	if err != nil {
		return affected, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var subjects []string
	for subjRows.Next() {
		var subjectID string
		if err := subjRows.Scan(&subjectID); err == nil {
			subjects = append(subjects, subjectID)
		}
	}
	subjRows.Close()

	for _, subjectID := range subjects {
		pruned, err := s.Decay(ctx, subjectID)
		if err != nil {
			return affected, err
		}
		affected += pruned
	}
	return affected, nil
}

// getLocked loads a row without grace filtering. Callers decide visibility.
func (s *SQLiteStore) getLocked(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, text, category, vector, confidence, created_at, last_reinforced_at, access_count, active, pruned_at
		 FROM memories WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var vecBlob []byte
	var prunedAt sql.NullTime
	err := row.Scan(&item.ID, &item.SubjectID, &item.Text, &item.Category, &vecBlob,
		&item.Confidence, &item.CreatedAt, &item.LastReinforcedAt, &item.AccessCount, &item.Active, &prunedAt)
	if err != nil {
		return nil, err
	}
	if prunedAt.Valid {
		item.PrunedAt = prunedAt.Time
	}

	item.Vector = make([]float32, len(vecBlob)/4)
	if err := binary.Read(bytes.NewReader(vecBlob), binary.LittleEndian, &item.Vector); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *SQLiteStore) itemLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *SQLiteStore) dropLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

var _ Store = (*SQLiteStore)(nil)

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, magA, magB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (float32(math.Sqrt(float64(magA))) * float32(math.Sqrt(float64(magB))))
}
