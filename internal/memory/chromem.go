package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is the volatile memory backend. An in-memory table owns the
// confidence lifecycle; a chromem collection per subject provides similarity
// ranking. Nothing survives a restart.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	params   Params
	now      func() time.Time

	mu          sync.RWMutex
	items       map[string]*Item
	collections map[string]*chromem.Collection
}

func NewChromemStore(embedder Embedder, params Params) *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		embedder:    embedder,
		params:      params.withDefaults(),
		now:         time.Now,
		items:       make(map[string]*Item),
		collections: make(map[string]*chromem.Collection),
	}
}

// SetClock overrides the time source (for testing purposes).
func (s *ChromemStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Item)
	s.collections = make(map[string]*chromem.Collection)
	return nil
}

// getOrCreateCollection returns the collection for a subject. Each subject
// gets its own collection for namespace isolation.
func (s *ChromemStore) getOrCreateCollection(subjectID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[subjectID]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[subjectID]; exists {
		return col, nil
	}

	name := "subject_" + subjectID
	if subjectID == "" {
		name = "global"
	}

	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", ErrUnavailable, err)
	}

	s.collections[subjectID] = col
	return col, nil
}

func (s *ChromemStore) Remember(ctx context.Context, subjectID, text, category string, confidence float64) (string, error) {
	if confidence == 0 {
		confidence = DefaultInitialConfidence
	}
	confidence = ClampConfidence(confidence)

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	col, err := s.getOrCreateCollection(subjectID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	doc := chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vector,
		Metadata:  map[string]string{"category": category},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("%w: add document: %v", ErrUnavailable, err)
	}

	now := s.now()
	s.mu.Lock()
	s.items[id] = &Item{
		ID:               id,
		SubjectID:        subjectID,
		Text:             text,
		Category:         category,
		Vector:           vector,
		Confidence:       confidence,
		CreatedAt:        now,
		LastReinforcedAt: now,
		Active:           true,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *ChromemStore) Search(ctx context.Context, subjectID, query string, minConfidence float64, topK int) ([]Item, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrUnavailable, err)
	}

	col, err := s.getOrCreateCollection(subjectID)
	if err != nil {
		return nil, err
	}

	// Ask for more than topK: deactivated items still rank in chromem and
	// are filtered out below. chromem requires nResults <= collection size,
	// so retry with smaller limits.
	var results []chromem.Result
	for limit := topK * 2; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, qvec, limit, nil, nil)
		if err == nil {
			break
		}
		if !isInsufficientDocsError(err) {
			return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
		}
		if limit == 1 {
			return nil, nil
		}
	}

	now := s.now()
	s.mu.RLock()
	var matched []Item
	for _, result := range results {
		item, ok := s.items[result.ID]
		if !ok || !item.Active {
			continue
		}
		effective := s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
		if effective < minConfidence {
			continue
		}
		copied := *item
		copied.Confidence = effective
		copied.Similarity = result.Similarity
		matched = append(matched, copied)
	}
	s.mu.RUnlock()

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

func (s *ChromemStore) Reinforce(ctx context.Context, id string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return 0, ErrNotFound
	}

	now := s.now()
	if !item.Active && !item.PrunedAt.IsZero() && now.After(item.PrunedAt.Add(s.params.PruneGrace)) {
		return 0, ErrNotFound
	}

	effective := s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
	item.Confidence = ReinforceConfidence(effective, s.params.ReinforceRate)
	item.LastReinforcedAt = now
	item.AccessCount++
	item.Active = true
	item.PrunedAt = time.Time{}
	return item.Confidence, nil
}

func (s *ChromemStore) Decay(ctx context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decayLocked(subjectID), nil
}

func (s *ChromemStore) decayLocked(subjectID string) int {
	now := s.now()
	pruned := 0
	for _, item := range s.items {
		if item.SubjectID != subjectID || !item.Active {
			continue
		}
		if s.params.Exempt(item.Category) {
			continue
		}
		if effectiveAt(item.Confidence, item.LastReinforcedAt, now, s.params.HalfLife) < s.params.PruneFloor {
			item.Active = false
			item.PrunedAt = now
			pruned++
		}
	}
	return pruned
}

func (s *ChromemStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	now := s.now()
	if !item.Active && !item.PrunedAt.IsZero() && now.After(item.PrunedAt.Add(s.params.PruneGrace)) {
		return nil, ErrNotFound
	}

	copied := *item
	copied.Confidence = s.params.effectiveConfidence(item.Category, item.Confidence, item.LastReinforcedAt, now)
	return &copied, nil
}

func (s *ChromemStore) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	// The chromem document stays behind; the table above is authoritative
	// and hides it from results.
	delete(s.items, id)
	return nil
}

func (s *ChromemStore) Count(ctx context.Context, subjectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.items {
		if item.SubjectID == subjectID && item.Active {
			count++
		}
	}
	return count, nil
}

func (s *ChromemStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	affected := 0

	for id, item := range s.items {
		if !item.Active && !item.PrunedAt.IsZero() && now.After(item.PrunedAt.Add(s.params.PruneGrace)) {
			delete(s.items, id)
			affected++
		}
	}

	subjects := make(map[string]struct{})
	for _, item := range s.items {
		if item.Active {
			subjects[item.SubjectID] = struct{}{}
		}
	}
	for subjectID := range subjects {
		affected += s.decayLocked(subjectID)
	}
	return affected, nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

var _ Store = (*ChromemStore)(nil)
