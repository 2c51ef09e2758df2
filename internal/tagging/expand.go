package tagging

// maxSiblingPromotions bounds how many Cold terms a single sweep can promote
// to Warm through neighbor expansion, so one promotion burst cannot flood the
// warm pool.
const maxSiblingPromotions = 512

// PromoteSiblings expands each newly Active-promoted term to its WordNet
// siblings (children of the same direct parent) and moves those currently in
// Cold to Warm, where the next warm-check pass gives them a chance to earn
// promotion. Siblings already Active or Warm are untouched. Returns the
// number of promotions performed.
//
// Called with the tracker write lock held; the only scorer state it touches
// is the vocabulary's parent index, which is immutable after load.
func (t *Tracker) PromoteSiblings(promoted []int) int {
	moved := 0
	for _, pi := range promoted {
		for _, sib := range t.vocab.Siblings(pi) {
			if t.stats[sib].Pool != PoolCold {
				continue
			}
			t.stats[sib].Pool = PoolWarm
			moved++
			if moved >= maxSiblingPromotions {
				t.rebuildIndices()
				return moved
			}
		}
	}
	if moved > 0 {
		t.rebuildIndices()
	}
	return moved
}
