// Package similar ranks stored incidents by lexical similarity to a query
// using TF-IDF weighted cosine similarity. It needs no embedding model and
// keeps nothing beyond the index it is built from.
package similar

import (
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"unicode"
)

const maxHighlights = 5

// Document is one searchable incident.
type Document struct {
	ID   string
	Text string
}

// Match is a ranked search hit.
type Match struct {
	ID         string   `json:"id"`
	Score      float64  `json:"score"`
	Highlights []string `json:"highlights"`
}

// Index is an immutable TF-IDF index over a fixed set of documents.
type Index struct {
	ids     []string
	vectors []map[string]float64
	norms   []float64
	idf     map[string]float64
}

// Build indexes docs. Documents with no indexable terms are kept but never match.
func Build(docs []Document) *Index {
	idx := &Index{
		ids:     make([]string, len(docs)),
		vectors: make([]map[string]float64, len(docs)),
		norms:   make([]float64, len(docs)),
		idf:     make(map[string]float64),
	}

	tfs := make([]map[string]float64, len(docs))
	df := make(map[string]int)
	for i, d := range docs {
		idx.ids[i] = d.ID
		tfs[i] = termFrequencies(Tokenize(d.Text))
		for term := range tfs[i] {
			df[term]++
		}
	}

	n := float64(len(docs))
	for term, count := range df {
		idx.idf[term] = math.Log((1+n)/(1+float64(count))) + 1
	}

	for i, tf := range tfs {
		vec := make(map[string]float64, len(tf))
		var sq float64
		for _, term := range sortedTerms(tf) {
			w := tf[term] * idx.idf[term]
			vec[term] = w
			sq += w * w
		}
		idx.vectors[i] = vec
		idx.norms[i] = math.Sqrt(sq)
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int { return len(idx.ids) }

// Search returns up to limit documents most similar to text, best first.
// Documents for which keep returns false are skipped; keep may be nil.
// Ties are broken by id so results are deterministic.
func (idx *Index) Search(text string, limit int, keep func(id string) bool) []Match {
	if limit <= 0 || idx.Len() == 0 {
		return nil
	}

	// sums run in term order so scores are bit-for-bit reproducible
	qtf := termFrequencies(Tokenize(text))
	qterms := make([]string, 0, len(qtf))
	qweights := make([]float64, 0, len(qtf))
	var qsq float64
	for _, term := range sortedTerms(qtf) {
		idf, ok := idx.idf[term]
		if !ok {
			continue
		}
		w := qtf[term] * idf
		qterms = append(qterms, term)
		qweights = append(qweights, w)
		qsq += w * w
	}
	if qsq == 0 {
		return nil
	}
	qnorm := math.Sqrt(qsq)

	var matches []Match
	for i, id := range idx.ids {
		if keep != nil && !keep(id) {
			continue
		}
		if idx.norms[i] == 0 {
			continue
		}

		type contrib struct {
			term string
			w    float64
		}
		var dot float64
		var shared []contrib
		for j, term := range qterms {
			dw, ok := idx.vectors[i][term]
			if !ok {
				continue
			}
			qw := qweights[j]
			dot += qw * dw
			shared = append(shared, contrib{term, qw * dw})
		}
		if dot == 0 {
			continue
		}

		sort.Slice(shared, func(a, b int) bool {
			if shared[a].w != shared[b].w {
				return shared[a].w > shared[b].w
			}
			return shared[a].term < shared[b].term
		})
		hl := make([]string, 0, min(len(shared), maxHighlights))
		for _, c := range shared[:min(len(shared), maxHighlights)] {
			hl = append(hl, c.term)
		}

		score := dot / (qnorm * idx.norms[i])
		matches = append(matches, Match{
			ID:         id,
			Score:      math.Round(min(score, 1)*10000) / 10000,
			Highlights: hl,
		})
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return matches[a].ID < matches[b].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Tokenize lower-cases text and splits it into terms, dropping stop words and
// single characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func sortedTerms(m map[string]float64) []string {
	return slices.Sorted(maps.Keys(m))
}

func termFrequencies(terms []string) map[string]float64 {
	tf := make(map[string]float64, len(terms))
	if len(terms) == 0 {
		return tf
	}
	for _, t := range terms {
		tf[t]++
	}
	total := float64(len(terms))
	for t := range tf {
		tf[t] /= total
	}
	return tf
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "have": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "will": true, "with": true, "we": true, "our": true, "not": true,
	"no": true, "but": true, "after": true, "before": true, "into": true, "via": true,
}
