// Package canon turns a raw tagging request into its canonical form and
// derives the content key used as cache and dedup identity across services.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxBatchSize is the largest accepted number of texts per request.
const MaxBatchSize = 1000

var (
	ErrEmptyBatch    = errors.New("no input texts provided for tagging")
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d texts", MaxBatchSize)
)

// Canonical is the normalized request. Two semantically equal requests are
// field-wise equal here regardless of original casing, whitespace, or
// domain-term order.
type Canonical struct {
	Texts       []string
	Language    string // lowercase, trimmed; "" means absent
	DomainTerms []string
}

// Normalize canonicalizes a request: trims each text, lowercases and trims
// the language hint (a hint that trims to empty counts as absent), and
// dedups domain terms case-sensitively after trimming before sorting them.
// Normalize is idempotent.
func Normalize(texts []string, language string, domainTerms []string) (Canonical, error) {
	if len(texts) == 0 {
		return Canonical{}, ErrEmptyBatch
	}
	if len(texts) > MaxBatchSize {
		return Canonical{}, ErrBatchTooLarge
	}

	c := Canonical{
		Texts:    make([]string, len(texts)),
		Language: strings.ToLower(strings.TrimSpace(language)),
	}
	for i, t := range texts {
		c.Texts[i] = strings.TrimSpace(t)
	}

	if len(domainTerms) > 0 {
		seen := make(map[string]struct{}, len(domainTerms))
		for _, kw := range domainTerms {
			kw = strings.TrimSpace(kw)
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			c.DomainTerms = append(c.DomainTerms, kw)
		}
		sort.Strings(c.DomainTerms)
	}
	return c, nil
}

// ContentKey returns the lowercase-hex SHA-256 of the canonical encoding.
// Deterministic across processes and implementations.
func (c Canonical) ContentKey() string {
	sum := sha256.Sum256([]byte(c.Encode()))
	return hex.EncodeToString(sum[:])
}

// Encode renders canonical-encoding v1, the wire contract other services
// hash against. The shape is a JSON object with keys in sorted order
// (domain_dict, language, texts), `", "` and `": "` separators, an absent
// language encoded as null, an empty domain set as [], and non-ASCII
// characters emitted verbatim. Changing any of this changes every content
// key in existence; version a new encoding instead.
func (c Canonical) Encode() string {
	var b strings.Builder
	b.WriteString(`{"domain_dict": `)
	writeStringArray(&b, c.DomainTerms)
	b.WriteString(`, "language": `)
	if c.Language == "" {
		b.WriteString("null")
	} else {
		writeJSONString(&b, c.Language)
	}
	b.WriteString(`, "texts": `)
	writeStringArray(&b, c.Texts)
	b.WriteString("}")
	return b.String()
}

func writeStringArray(b *strings.Builder, vals []string) {
	b.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			b.WriteString(", ")
		}
		writeJSONString(b, v)
	}
	b.WriteByte(']')
}

// writeJSONString escapes only what JSON requires: quote, backslash, and
// control characters. Everything else, including non-ASCII, passes through
// unescaped.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
