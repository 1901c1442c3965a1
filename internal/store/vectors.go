package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"concierge/internal/embedding"
	"concierge/internal/logging"
)

// encodeVectorBlob converts a float32 slice to little-endian bytes for
// SQLite BLOB storage. sqlite-vec reads the same layout.
func encodeVectorBlob(vec []float32) []byte {
	blob := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// decodeVectorBlob converts a little-endian BLOB back to a float32 slice.
func decodeVectorBlob(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// UpsertMemoryVector stores or replaces the embedding for a memory card.
func (s *Store) UpsertMemoryVector(cardID int64, vec []float32) error {
	if cardID == 0 || len(vec) == 0 {
		return fmt.Errorf("memory vector requires card ID and embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO memory_vectors (card_id, embedding, dim, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(card_id) DO UPDATE SET
			embedding = excluded.embedding,
			dim = excluded.dim,
			updated_at = CURRENT_TIMESTAMP`,
		cardID, encodeVectorBlob(vec), len(vec),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert memory vector: %w", err)
	}
	return nil
}

// DeleteMemoryVector removes a card's embedding.
func (s *Store) DeleteMemoryVector(cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM memory_vectors WHERE card_id = ?", cardID)
	if err != nil {
		return fmt.Errorf("failed to delete memory vector: %w", err)
	}
	return nil
}

// SemanticMemoryCandidates finds the user's memory cards most similar to
// the query text and returns them with cosine distances, nearest first.
// A non-empty domain restricts the search to that domain's cards.
// Candidates beyond maxDistance are dropped; pass maxDistance <= 0 to
// keep everything.
//
// When the sqlite-vec extension is loaded, ranking runs in SQL via
// vec_distance_cosine. Otherwise all of the user's vectors are scored
// in process, which is fine at per-user card counts.
func (s *Store) SemanticMemoryCandidates(ctx context.Context, userID int64, domain, queryText string, limit int, maxDistance float64) ([]*MemoryCandidate, error) {
	if s.embeddingEngine == nil {
		return nil, fmt.Errorf("no embedding engine configured")
	}
	if limit <= 0 {
		limit = 5
	}

	// Embed outside the lock: this is a network call.
	queryVec, err := s.embeddingEngine.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if s.vectorExt {
		return s.semanticSearchSQL(userID, domain, queryVec, limit, maxDistance)
	}
	return s.semanticSearchBruteForce(userID, domain, queryVec, limit, maxDistance)
}

// semanticSearchSQL ranks with the vec_distance_cosine scalar so the
// user filter and the distance ordering happen in one query.
func (s *Store) semanticSearchSQL(userID int64, domain string, queryVec []float32, limit int, maxDistance float64) ([]*MemoryCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT mc.id, mc.user_id, mc.slug, mc.domain, mc.memory, mc.status,
		       mc.occurrences, mc.narrative, mc.tags, mc.confidence,
		       mc.first_seen, mc.last_seen, mc.created_at, mc.updated_at,
		       vec_distance_cosine(mv.embedding, ?) AS distance
		FROM memory_vectors mv
		JOIN memory_cards mc ON mc.id = mv.card_id
		WHERE mc.user_id = ? AND mv.dim = ? AND (? = '' OR mc.domain = ?)
		ORDER BY distance ASC
		LIMIT ?`,
		encodeVectorBlob(queryVec), userID, len(queryVec), domain, domain, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search query failed: %w", err)
	}
	defer rows.Close()

	var candidates []*MemoryCandidate
	for rows.Next() {
		var c MemoryCard
		var tags string
		var distance float64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Slug, &c.Domain, &c.Memory,
			&c.Status, &c.Occurrences, &c.Narrative, &tags, &c.Confidence,
			&c.FirstSeen, &c.LastSeen, &c.CreatedAt, &c.UpdatedAt,
			&distance); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if maxDistance > 0 && distance > maxDistance {
			continue
		}
		c.Tags = unmarshalStringList(tags)
		candidates = append(candidates, &MemoryCandidate{Card: c, Distance: distance})
	}
	return candidates, rows.Err()
}

// semanticSearchBruteForce loads the user's vectors and scores them with
// in-process cosine distance.
func (s *Store) semanticSearchBruteForce(userID int64, domain string, queryVec []float32, limit int, maxDistance float64) ([]*MemoryCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT mc.id, mc.user_id, mc.slug, mc.domain, mc.memory, mc.status,
		       mc.occurrences, mc.narrative, mc.tags, mc.confidence,
		       mc.first_seen, mc.last_seen, mc.created_at, mc.updated_at,
		       mv.embedding
		FROM memory_vectors mv
		JOIN memory_cards mc ON mc.id = mv.card_id
		WHERE mc.user_id = ? AND (? = '' OR mc.domain = ?)`,
		userID, domain, domain,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	var candidates []*MemoryCandidate
	for rows.Next() {
		var c MemoryCard
		var tags string
		var blob []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.Slug, &c.Domain, &c.Memory,
			&c.Status, &c.Occurrences, &c.Narrative, &tags, &c.Confidence,
			&c.FirstSeen, &c.LastSeen, &c.CreatedAt, &c.UpdatedAt, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		vec := decodeVectorBlob(blob)
		if len(vec) != len(queryVec) {
			logging.StoreDebug("Skipping card %d: dimension mismatch (%d vs %d)", c.ID, len(vec), len(queryVec))
			continue
		}
		distance, err := embedding.CosineDistance(queryVec, vec)
		if err != nil {
			continue
		}
		if maxDistance > 0 && distance > maxDistance {
			continue
		}
		c.Tags = unmarshalStringList(tags)
		candidates = append(candidates, &MemoryCandidate{Card: c, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// CardsMissingVectors lists a user's cards that have no stored embedding.
func (s *Store) CardsMissingVectors(userID int64, limit int) ([]*MemoryCard, error) {
	if limit <= 0 {
		limit = 32
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT mc.id, mc.user_id, mc.slug, mc.domain, mc.memory, mc.status,
		       mc.occurrences, mc.narrative, mc.tags, mc.confidence,
		       mc.first_seen, mc.last_seen, mc.created_at, mc.updated_at
		FROM memory_cards mc
		LEFT JOIN memory_vectors mv ON mv.card_id = mc.id
		WHERE mc.user_id = ? AND mv.card_id IS NULL
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards missing vectors: %w", err)
	}
	defer rows.Close()

	var cards []*MemoryCard
	for rows.Next() {
		card, err := s.scanMemoryCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}
