package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
)

// flatVectors is a flat inner-product index: every query is scored against
// every stored vector. Exact, order-stable, and cheap at per-job scale.
type flatVectors struct {
	Dim     int
	Vectors [][]float32
}

func newFlatVectors(dim int) *flatVectors {
	return &flatVectors{Dim: dim}
}

func (x *flatVectors) add(vectors ...[]float32) {
	x.Vectors = append(x.Vectors, vectors...)
}

func (x *flatVectors) len() int { return len(x.Vectors) }

// search returns the topK nearest vectors by inner product, ties broken by
// ascending insertion index. topK is clamped to the index size.
func (x *flatVectors) search(query []float32, topK int) (scores []float64, indices []int) {
	type scored struct {
		idx   int
		score float64
	}
	all := make([]scored, len(x.Vectors))
	for i, v := range x.Vectors {
		all[i] = scored{idx: i, score: dot(query, v)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].idx < all[j].idx
	})

	if topK > len(all) {
		topK = len(all)
	}
	if topK < 0 {
		topK = 0
	}
	scores = make([]float64, topK)
	indices = make([]int, topK)
	for i := 0; i < topK; i++ {
		scores[i] = all[i].score
		indices[i] = all[i].idx
	}
	return scores, indices
}

func (x *flatVectors) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(x); err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return nil
}

func loadFlatVectors(path string) (*flatVectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var x flatVectors
	if err := gob.NewDecoder(f).Decode(&x); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return &x, nil
}
