package planner

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// embeddingDims is the width of the local hashing embedding below.
// chromem-go's collection is agnostic to the embedding function used;
// the teacher repo lists the dependency in go.mod but has no in-repo
// call site to ground the wiring against (recorded in DESIGN.md), so
// this wraps chromem-go's documented collection API
// (GetOrCreateCollection / AddDocument / Query / Count) with a
// deterministic local embedding function instead of reaching out to an
// external embeddings provider, keeping the planner's similarity
// lookup usable offline.
const embeddingDims = 64

// ChromemIndex is the default VectorIndex, an in-process embedded
// vector store over the text recorded for completed tasks.
type ChromemIndex struct {
	mu         sync.Mutex
	collection *chromem.Collection
}

// NewChromemIndex creates a fresh in-memory chromem-go collection.
func NewChromemIndex() (*ChromemIndex, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("planner-context", nil, localEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &ChromemIndex{collection: collection}, nil
}

// IndexCompletedTask adds or replaces the indexed text for taskID. The
// task loop calls it after a task reaches completed, passing the task's
// result summary (§4.6: the similarity service draws from completed
// task history).
func (c *ChromemIndex) IndexCompletedTask(ctx context.Context, taskID int64, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.AddDocument(ctx, chromem.Document{
		ID:      strconv.FormatInt(taskID, 10),
		Content: description,
	})
}

// FindSimilar implements VectorIndex.
func (c *ChromemIndex) FindSimilar(ctx context.Context, description string, k int) ([]SimilarTask, error) {
	description = strings.TrimSpace(description)
	if description == "" || k <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	n := c.collection.Count()
	c.mu.Unlock()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := c.collection.Query(ctx, description, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]SimilarTask, 0, len(results))
	for _, r := range results {
		id, perr := strconv.ParseInt(r.ID, 10, 64)
		if perr != nil {
			continue
		}
		out = append(out, SimilarTask{TaskID: id, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// localEmbeddingFunc is a deterministic bag-of-words hashing embedding.
// It needs no network call and no API key, trading retrieval quality
// for the planner's similarity lookup being usable without a
// configured embeddings provider (§6: "non-fatal... proceeds without
// context" already covers the case where quality isn't good enough;
// this keeps the common case working at all).
func localEmbeddingFunc(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32() % embeddingDims)
		vec[idx]++
	}
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}
