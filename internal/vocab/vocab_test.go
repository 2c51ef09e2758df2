package vocab

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWordNet(t *testing.T) {
	wn := writeFile(t, "wordnet_nouns.txt", `# comment line
labrador_retriever	n02099712	dog|canine|animal
dog	n02084071	animal

malformed_line_without_tabs
cat	n02121620	feline|animal
`)
	v, err := Load(wn, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("expected 3 terms (malformed and blank skipped), got %d", v.Len())
	}

	i, ok := v.Get("labrador_retriever")
	if !ok {
		t.Fatal("labrador_retriever not found")
	}
	term := v.Term(i)
	if term.Display != "labrador retriever" {
		t.Errorf("display = %q, want underscores replaced", term.Display)
	}
	if len(term.Hypernyms) != 3 || term.Hypernyms[0] != "dog" {
		t.Errorf("hypernyms = %v, want [dog canine animal]", term.Hypernyms)
	}
	if term.SynsetID != "n02099712" {
		t.Errorf("synset = %q", term.SynsetID)
	}
}

func TestLoadSupplemental(t *testing.T) {
	sup := writeFile(t, "supplemental.txt", "golden_hour\tmood\nfoggy\tweather\n")
	v, err := Load("", sup)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Len() != 2 {
		t.Fatalf("expected 2 terms, got %d", v.Len())
	}
	i, _ := v.Get("golden_hour")
	if v.Term(i).Category != "mood" {
		t.Errorf("category = %q, want mood", v.Term(i).Category)
	}
	if len(v.Term(i).Hypernyms) != 0 {
		t.Error("supplemental terms must carry no hypernyms")
	}
}

func TestMissingFilesNonFatal(t *testing.T) {
	v, err := Load("/nonexistent/wordnet.txt", "/nonexistent/supplemental.txt")
	if err != nil {
		t.Fatalf("missing files must be non-fatal, got %v", err)
	}
	if v.Len() != 0 {
		t.Errorf("expected empty vocabulary, got %d terms", v.Len())
	}
}

func TestByNameInvariant(t *testing.T) {
	v := New([]Term{
		{Name: "a", Display: "a"},
		{Name: "b", Display: "b"},
		{Name: "c", Display: "c"},
	})
	for i := 0; i < v.Len(); i++ {
		got, ok := v.Get(v.Term(i).Name)
		if !ok || got != i {
			t.Errorf("by_name[terms[%d].name] = %d, want %d", i, got, i)
		}
	}
}

func TestSiblings(t *testing.T) {
	v := New([]Term{
		{Name: "dog", Display: "dog", Hypernyms: []string{"animal"}},
		{Name: "cat", Display: "cat", Hypernyms: []string{"animal"}},
		{Name: "horse", Display: "horse", Hypernyms: []string{"animal"}},
		{Name: "oak", Display: "oak", Hypernyms: []string{"tree"}},
		{Name: "animal", Display: "animal"},
	})

	dog, _ := v.Get("dog")
	sibs := v.Siblings(dog)
	if len(sibs) != 2 {
		t.Fatalf("dog should have 2 siblings, got %v", sibs)
	}
	for _, s := range sibs {
		if s == dog {
			t.Error("siblings must exclude the input term")
		}
		if name := v.Term(s).Name; name != "cat" && name != "horse" {
			t.Errorf("unexpected sibling %q", name)
		}
	}

	animal, _ := v.Get("animal")
	if sibs := v.Siblings(animal); sibs != nil {
		t.Errorf("root term should have no siblings, got %v", sibs)
	}
}

func TestPrompts(t *testing.T) {
	v := New([]Term{{Name: "labrador_retriever", Display: "labrador retriever"}})
	prompts := v.Prompts(0)
	if len(prompts) < 2 {
		t.Fatalf("want at least 2 prompt variants, got %d", len(prompts))
	}
	if prompts[0] != "labrador retriever" {
		t.Errorf("first variant should be the bare display name, got %q", prompts[0])
	}
	foundPhoto := false
	for _, p := range prompts[1:] {
		if p == "a photo of labrador retriever" || p == "a photograph of a labrador retriever" {
			foundPhoto = true
		}
	}
	if !foundPhoto {
		t.Errorf("want a photograph-framed template, got %v", prompts)
	}
}

func TestSkipList(t *testing.T) {
	v := New([]Term{
		{Name: "entity", Display: "entity"},
		{Name: "dog", Display: "dog"},
	})
	if !v.Skipped(0) {
		t.Error("entity should be skip-listed")
	}
	if v.Skipped(1) {
		t.Error("dog should not be skip-listed")
	}
}

func TestFingerprintTracksVocabulary(t *testing.T) {
	v1 := New([]Term{{Name: "a"}, {Name: "b"}})
	v2 := New([]Term{{Name: "a"}, {Name: "b"}})
	v3 := New([]Term{{Name: "a"}, {Name: "c"}})

	if v1.Fingerprint() != v2.Fingerprint() {
		t.Error("identical vocabularies must share a fingerprint")
	}
	if v1.Fingerprint() == v3.Fingerprint() {
		t.Error("different vocabularies must not share a fingerprint")
	}
	if len(v1.Fingerprint()) != 64 {
		t.Errorf("fingerprint should be 32-byte hex, got %d chars", len(v1.Fingerprint()))
	}
}
