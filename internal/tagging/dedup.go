package tagging

import "github.com/screenager/photon/internal/vocab"

// Dedup suppresses ancestor tags when a strictly more specific descendant is
// present in the same hit list: "dog" and "animal" disappear when "labrador
// retriever" survives. The test is asymmetric — only the ancestor is removed.
// Supplemental terms carry no hypernyms and are never suppressed. Descending
// confidence order among survivors is preserved. O(k²) with k bounded by
// max_tags.
func Dedup(v *vocab.Vocabulary, hits []Hit) []Hit {
	if len(hits) < 2 {
		return hits
	}
	suppressed := make([]bool, len(hits))
	for i := range hits {
		if suppressed[i] {
			continue
		}
		for j := range hits {
			if i == j {
				continue
			}
			// hits[i] is an ancestor of hits[j]: drop the ancestor.
			if isAncestor(v, hits[i].Index, hits[j].Index) {
				suppressed[i] = true
				break
			}
		}
	}
	out := make([]Hit, 0, len(hits))
	for i, h := range hits {
		if !suppressed[i] {
			out = append(out, h)
		}
	}
	return out
}

// isAncestor reports whether term a's display name appears in term b's
// hypernym chain.
func isAncestor(v *vocab.Vocabulary, a, b int) bool {
	display := v.Term(a).Display
	for _, h := range v.Term(b).Hypernyms {
		if h == display {
			return true
		}
	}
	return false
}
