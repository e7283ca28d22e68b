package canon_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tagsmithhq/tagsmith/internal/canon"
)

func TestNormalizeTrimsAndSorts(t *testing.T) {
	c, err := canon.Normalize(
		[]string{"  Elon Musk visited Berlin.  "},
		" EN ",
		[]string{"NVIDIA", "AI", "NVIDIA", " AI"},
	)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if c.Texts[0] != "Elon Musk visited Berlin." {
		t.Errorf("text = %q", c.Texts[0])
	}
	if c.Language != "en" {
		t.Errorf("language = %q, want en", c.Language)
	}
	if !reflect.DeepEqual(c.DomainTerms, []string{"AI", "NVIDIA"}) {
		t.Errorf("domain terms = %v, want [AI NVIDIA]", c.DomainTerms)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	c1, err := canon.Normalize([]string{" a ", "b"}, " FR ", []string{" x", "y ", "x"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	c2, err := canon.Normalize(c1.Texts, c1.Language, c1.DomainTerms)
	if err != nil {
		t.Fatalf("re-Normalize: %v", err)
	}
	if !reflect.DeepEqual(c1, c2) {
		t.Errorf("normalize not idempotent: %+v vs %+v", c1, c2)
	}
}

func TestNormalizeVariantsCollapse(t *testing.T) {
	a, _ := canon.Normalize([]string{"hello"}, "EN", []string{"b", "a"})
	b, _ := canon.Normalize([]string{"  hello  "}, "en ", []string{"a", "b", "a"})
	if a.ContentKey() != b.ContentKey() {
		t.Errorf("variant requests produced different keys:\n%s\n%s", a.ContentKey(), b.ContentKey())
	}
}

func TestNormalizeRejectsEmptyBatch(t *testing.T) {
	_, err := canon.Normalize(nil, "", nil)
	if !errors.Is(err, canon.ErrEmptyBatch) {
		t.Errorf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestNormalizeRejectsOversizedBatch(t *testing.T) {
	texts := make([]string, canon.MaxBatchSize+1)
	for i := range texts {
		texts[i] = "t"
	}
	_, err := canon.Normalize(texts, "", nil)
	if !errors.Is(err, canon.ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

// Golden values pin encoding v1. The digests double as a cross-implementation
// contract: any change here breaks every cached entry in production.
func TestEncodeGolden(t *testing.T) {
	c, _ := canon.Normalize([]string{"Elon Musk visited Berlin."}, "", nil)
	wantEnc := `{"domain_dict": [], "language": null, "texts": ["Elon Musk visited Berlin."]}`
	if got := c.Encode(); got != wantEnc {
		t.Errorf("Encode = %s\nwant      %s", got, wantEnc)
	}
	wantKey := "ad1c979d5e02d9bcb40c0723b9573220f917341ae06723ce8daae54bd4915155"
	if got := c.ContentKey(); got != wantKey {
		t.Errorf("ContentKey = %s, want %s", got, wantKey)
	}
}

func TestEncodeGoldenNonASCII(t *testing.T) {
	c, _ := canon.Normalize([]string{"Café résumé"}, "EN ", []string{"NVIDIA", "AI", "NVIDIA", " AI"})
	wantEnc := `{"domain_dict": ["AI", "NVIDIA"], "language": "en", "texts": ["Café résumé"]}`
	if got := c.Encode(); got != wantEnc {
		t.Errorf("Encode = %s\nwant      %s", got, wantEnc)
	}
	wantKey := "602f2c00500103a44ec48cad81f75ad9e6d1509c13c12ebe5d516e8465818874"
	if got := c.ContentKey(); got != wantKey {
		t.Errorf("ContentKey = %s, want %s", got, wantKey)
	}
}

func TestContentKeyDiffersOnContent(t *testing.T) {
	a, _ := canon.Normalize([]string{"one"}, "", nil)
	b, _ := canon.Normalize([]string{"two"}, "", nil)
	if a.ContentKey() == b.ContentKey() {
		t.Error("different texts produced the same content key")
	}

	c, _ := canon.Normalize([]string{"one"}, "en", nil)
	if a.ContentKey() == c.ContentKey() {
		t.Error("language hint did not change the content key")
	}
}
