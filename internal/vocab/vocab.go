// Package vocab loads and indexes the tagging vocabulary: ~68K WordNet nouns
// with their hypernym chains plus a few hundred supplemental scene/mood/style
// terms. Term indices are stable for the lifetime of a Vocabulary and are
// used as keys by the scorer, tracker, and label bank.
package vocab

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// Term is a single vocabulary entry, immutable after load.
type Term struct {
	// Name is the stable identifier (unique, underscores preserved).
	Name string
	// Display is the human-readable form (underscores become spaces).
	Display string
	// SynsetID is the WordNet synset identifier, empty for supplemental terms.
	SynsetID string
	// Hypernyms is the chain of ancestor display names, most-specific first.
	// Supplemental terms carry none.
	Hypernyms []string
	// Category tags supplemental terms: scene/mood/style/weather/time.
	Category string
}

// Parent returns the direct parent display name (first hypernym).
func (t Term) Parent() (string, bool) {
	if len(t.Hypernyms) == 0 {
		return "", false
	}
	return t.Hypernyms[0], true
}

// skipTopNodes lists uninformative WordNet top-of-hierarchy terms that are
// removed from scoring results unconditionally.
var skipTopNodes = map[string]bool{
	"entity":          true,
	"object":          true,
	"whole":           true,
	"physical entity": true,
	"abstraction":     true,
	"thing":           true,
}

// Vocabulary is the immutable ordered term table.
type Vocabulary struct {
	terms  []Term
	byName map[string]int

	parentOnce  sync.Once
	parentIndex map[string][]int
}

// New builds a Vocabulary from an already-assembled term list.
func New(terms []Term) *Vocabulary {
	byName := make(map[string]int, len(terms))
	for i, t := range terms {
		byName[t.Name] = i
	}
	return &Vocabulary{terms: terms, byName: byName}
}

// Load reads the WordNet noun file and the supplemental concept file.
// A missing file is non-fatal: the vocabulary simply loads without that
// source. Malformed lines are logged and skipped.
func Load(wordnetPath, supplementalPath string) (*Vocabulary, error) {
	var terms []Term

	if wordnetPath != "" {
		wn, err := parseFile(wordnetPath, parseWordNetLine)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load wordnet vocabulary: %w", err)
			}
			slog.Warn("wordnet vocabulary not found", "path", wordnetPath)
		}
		terms = append(terms, wn...)
	}

	if supplementalPath != "" {
		sup, err := parseFile(supplementalPath, parseSupplementalLine)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load supplemental vocabulary: %w", err)
			}
			slog.Warn("supplemental vocabulary not found", "path", supplementalPath)
		}
		terms = append(terms, sup...)
	}

	return New(terms), nil
}

// lineParser converts one non-comment line into a Term.
type lineParser func(line string) (Term, error)

func parseFile(path string, parse lineParser) ([]Term, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var terms []Term
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parse(line)
		if err != nil {
			slog.Warn("skipping malformed vocabulary line",
				"path", path, "line", lineNo, "error", err)
			continue
		}
		terms = append(terms, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return terms, nil
}

// parseWordNetLine parses "name\tsynset_id\thypernym|hypernym|...".
// The hypernym column may be empty for root nouns.
func parseWordNetLine(line string) (Term, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 2 {
		return Term{}, fmt.Errorf("want at least 2 tab-separated columns, got %d", len(cols))
	}
	name := cols[0]
	if name == "" {
		return Term{}, fmt.Errorf("empty term name")
	}
	t := Term{
		Name:     name,
		Display:  displayName(name),
		SynsetID: cols[1],
	}
	if len(cols) >= 3 && cols[2] != "" {
		for _, h := range strings.Split(cols[2], "|") {
			if h = strings.TrimSpace(h); h != "" {
				t.Hypernyms = append(t.Hypernyms, displayName(h))
			}
		}
	}
	return t, nil
}

// parseSupplementalLine parses "name\tcategory".
func parseSupplementalLine(line string) (Term, error) {
	cols := strings.Split(line, "\t")
	if len(cols) < 2 {
		return Term{}, fmt.Errorf("want 2 tab-separated columns, got %d", len(cols))
	}
	if cols[0] == "" {
		return Term{}, fmt.Errorf("empty term name")
	}
	return Term{
		Name:     cols[0],
		Display:  displayName(cols[0]),
		Category: cols[1],
	}, nil
}

func displayName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// Len returns the number of terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Term returns the term at index i.
func (v *Vocabulary) Term(i int) Term { return v.terms[i] }

// Terms returns the full ordered term table. Callers must not mutate it.
func (v *Vocabulary) Terms() []Term { return v.terms }

// Get returns the index of the named term.
func (v *Vocabulary) Get(name string) (int, bool) {
	i, ok := v.byName[name]
	return i, ok
}

// ParentOf returns the direct parent display name of term i.
func (v *Vocabulary) ParentOf(i int) (string, bool) {
	return v.terms[i].Parent()
}

// Siblings returns the indices of terms sharing term i's direct parent,
// excluding i itself. Terms without a parent have no siblings.
func (v *Vocabulary) Siblings(i int) []int {
	parent, ok := v.ParentOf(i)
	if !ok {
		return nil
	}
	children := v.parentChildren()[parent]
	sibs := make([]int, 0, len(children))
	for _, c := range children {
		if c != i {
			sibs = append(sibs, c)
		}
	}
	return sibs
}

// parentChildren lazily builds the parent-display-name → child-indices map in
// a single O(N) pass over the term table.
func (v *Vocabulary) parentChildren() map[string][]int {
	v.parentOnce.Do(func() {
		idx := make(map[string][]int)
		for i, t := range v.terms {
			if p, ok := t.Parent(); ok {
				idx[p] = append(idx[p], i)
			}
		}
		v.parentIndex = idx
	})
	return v.parentIndex
}

// Prompts returns the prompt variants encoded for term i: the bare display
// name plus photograph-framed templates. labelbank.EncodeTerms averages the
// variants' embeddings and re-normalizes.
func (v *Vocabulary) Prompts(i int) []string {
	d := v.terms[i].Display
	return []string{
		d,
		"a photo of " + d,
		"a photograph of a " + d,
	}
}

// Skipped reports whether term i is an uninformative WordNet top-node that is
// removed from results before ranking.
func (v *Vocabulary) Skipped(i int) bool {
	return skipTopNodes[v.terms[i].Display]
}

// Fingerprint returns the BLAKE3 digest (hex) of the ordered term names. It
// invalidates a cached label bank when the vocabulary changes.
func (v *Vocabulary) Fingerprint() string {
	h := blake3.New(32, nil)
	for i, t := range v.terms {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(t.Name))
	}
	return hex.EncodeToString(h.Sum(nil))
}
