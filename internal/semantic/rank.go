package semantic

import (
	"math"
	"sort"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// rank orders docs by BM25 score against the query terms, highest first.
// The sort is stable so ties keep the order of docs.
func rank(query []string, docs []Document) []Document {
	if len(docs) == 0 {
		return nil
	}

	type scored struct {
		doc   Document
		tf    map[string]int
		len   int
		score float64
	}
	items := make([]scored, len(docs))
	df := make(map[string]int)
	total := 0
	for i, d := range docs {
		terms := Terms(d.Content)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		items[i] = scored{doc: d, tf: tf, len: len(terms)}
		total += len(terms)
	}
	n := float64(len(docs))
	avg := float64(total) / n
	if avg == 0 {
		avg = 1
	}

	// Sorted unique terms keep the floating point summation order fixed.
	seen := make(map[string]struct{}, len(query))
	unique := make([]string, 0, len(query))
	for _, q := range query {
		if _, ok := seen[q]; !ok {
			seen[q] = struct{}{}
			unique = append(unique, q)
		}
	}
	sort.Strings(unique)
	for i := range items {
		var score float64
		for _, q := range unique {
			f := float64(items[i].tf[q])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[q])+0.5)/(float64(df[q])+0.5))
			norm := bm25K1 * (1 - bm25B + bm25B*float64(items[i].len)/avg)
			score += idf * f * (bm25K1 + 1) / (f + norm)
		}
		items[i].score = score
	}

	sort.SliceStable(items, func(a, b int) bool {
		return items[a].score > items[b].score
	})
	out := make([]Document, len(items))
	for i, it := range items {
		out[i] = it.doc
	}
	return out
}
