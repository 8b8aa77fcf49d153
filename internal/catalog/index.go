package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Embedder is the vector source the indexer needs. Satisfied by llm.Embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// RetrievalPayload mirrors a catalog entry in search results.
type RetrievalPayload struct {
	Type        string `json:"type"` // "agent" or "subagent"
	AgentID     string `json:"agent_id"`
	SubagentID  string `json:"subagent_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScoredHit is a retrieval result with its cosine similarity score.
type ScoredHit struct {
	Score   float64          `json:"score"`
	Payload RetrievalPayload `json:"payload"`
}

// Indexer embeds catalog entries on ingest and serves vector retrieval.
type Indexer struct {
	store *Store
	embed Embedder
}

// NewIndexer builds an indexer over the store using the given embedder.
func NewIndexer(store *Store, embed Embedder) *Indexer {
	return &Indexer{store: store, embed: embed}
}

// IngestAgent upserts an agent and stores its embedding.
func (ix *Indexer) IngestAgent(ctx context.Context, name, description string, capabilities []string) (string, error) {
	id, err := ix.store.UpsertAgent(ctx, name, description, capabilities)
	if err != nil {
		return "", err
	}
	if err := ix.embedEntry(ctx, id, "agent", name, description); err != nil {
		return "", err
	}
	return id, nil
}

// IngestSubagent upserts a subagent under agentID and stores its embedding.
func (ix *Indexer) IngestSubagent(ctx context.Context, agentID, name, description string, capabilities []string) (string, error) {
	id, err := ix.store.UpsertSubagent(ctx, agentID, name, description, capabilities)
	if err != nil {
		return "", err
	}
	if err := ix.embedEntry(ctx, id, "subagent", name, description); err != nil {
		return "", err
	}
	return id, nil
}

func (ix *Indexer) embedEntry(ctx context.Context, entryID, kind, name, description string) error {
	vecs, err := ix.embed.Embed(ctx, []string{embedText(name, description)})
	if err != nil {
		return fmt.Errorf("embed %s %q: %w", kind, name, err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embed %s %q: got %d vectors", kind, name, len(vecs))
	}
	return ix.store.SaveVector(ctx, entryID, kind, vecs[0])
}

// Retrieve embeds the query and returns the top-k nearest catalog entries.
func (ix *Indexer) Retrieve(ctx context.Context, query string, limit int) ([]ScoredHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("catalog: empty retrieval query")
	}
	if limit <= 0 || limit > 50 {
		limit = 5
	}

	vecs, err := ix.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0]

	entries, err := ix.store.allVectors(ctx)
	if err != nil {
		return nil, err
	}

	hits := make([]ScoredHit, 0, len(entries))
	for _, e := range entries {
		score := cosine(queryVec, e.Vec)
		payload, err := ix.store.vectorPayload(ctx, e)
		if err != nil {
			// Entry deleted after its vector was written; skip it.
			continue
		}
		hits = append(hits, ScoredHit{Score: score, Payload: payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Reindex re-embeds every catalog entry. Returns the number embedded.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	agents, err := ix.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range agents {
		if err := ix.embedEntry(ctx, a.ID, "agent", a.Name, a.Description); err != nil {
			return count, err
		}
		count++
		for _, sub := range a.Subagents {
			if err := ix.embedEntry(ctx, sub.ID, "subagent", sub.Name, sub.Description); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

func embedText(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}

type vectorEntry struct {
	EntryID string
	Kind    string
	Vec     []float32
}

// SaveVector stores the embedding for a catalog entry.
func (s *Store) SaveVector(ctx context.Context, entryID, kind string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("catalog: empty vector for %s", entryID)
	}
	blob := encodeVector(vec)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO vectors (entry_id, kind, dim, embedding, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(entry_id) DO UPDATE SET
				kind = excluded.kind,
				dim = excluded.dim,
				embedding = excluded.embedding,
				updated_at = CURRENT_TIMESTAMP;
		`, entryID, kind, len(vec), blob)
		if err != nil {
			return fmt.Errorf("save vector: %w", err)
		}
		return nil
	})
}

func (s *Store) allVectors(ctx context.Context) ([]vectorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, kind, dim, embedding FROM vectors;`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var out []vectorEntry
	for rows.Next() {
		var e vectorEntry
		var dim int
		var blob []byte
		if err := rows.Scan(&e.EntryID, &e.Kind, &dim, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", e.EntryID, err)
		}
		e.Vec = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) vectorPayload(ctx context.Context, e vectorEntry) (RetrievalPayload, error) {
	switch e.Kind {
	case "agent":
		a, err := s.GetAgent(ctx, e.EntryID)
		if err != nil {
			return RetrievalPayload{}, err
		}
		return RetrievalPayload{Type: "agent", AgentID: a.ID, Name: a.Name, Description: a.Description}, nil
	case "subagent":
		var sub Subagent
		var caps string
		err := s.db.QueryRowContext(ctx, `
			SELECT id, agent_id, name, description, capabilities, created_at, updated_at
			FROM subagents WHERE id = ?;
		`, e.EntryID).Scan(&sub.ID, &sub.AgentID, &sub.Name, &sub.Description, &caps, &sub.CreatedAt, &sub.UpdatedAt)
		if err != nil {
			return RetrievalPayload{}, ErrNotFound
		}
		return RetrievalPayload{Type: "subagent", AgentID: sub.AgentID, SubagentID: sub.ID, Name: sub.Name, Description: sub.Description}, nil
	default:
		return RetrievalPayload{}, fmt.Errorf("catalog: unknown vector kind %q", e.Kind)
	}
}

func encodeVector(vec []float32) []byte {
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("blob length %d does not match dim %d", len(blob), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosine computes cosine similarity; mismatched lengths compare over the
// shorter prefix.
func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
