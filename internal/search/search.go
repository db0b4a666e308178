// Package search maintains the token index over record metadata and, for
// extractable file types, content tokens captured at creation time before
// encryption. The index is a derived view: it can lag the metadata store and
// be rebuilt from it at any time, and its results are only candidates that
// every caller re-checks against the ACL.
package search

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	pdf "github.com/ledongthuc/pdf"

	"github.com/recordvault/recordvault/internal/model"
)

// maxContentTokens caps how much of a record body leaks into the index.
const maxContentTokens = 512

// Indexer inserts, removes and queries search documents. Query returns
// record ids ranked by term overlap (count of matching tokens), ties broken
// by most recent update.
type Indexer interface {
	Index(ctx context.Context, doc model.SearchDocument) error
	Remove(ctx context.Context, recordID string) error
	Query(ctx context.Context, tokens []string) ([]string, error)
}

// Tokenize lowercases text and splits it on non-alphanumeric runes,
// dropping single-character fragments and duplicates.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// MetadataTokens derives the always-available tokens from a record's
// metadata and title.
func MetadataTokens(rec *model.Record) []string {
	return Tokenize(strings.Join([]string{
		rec.PatientID, rec.CreatorID, rec.FileType, string(rec.Status), rec.Title,
	}, " "))
}

// ContentTokens extracts tokens from plaintext content for file types we can
// read. Unknown types contribute nothing; the metadata tokens still make the
// record findable.
func ContentTokens(fileType string, content []byte) ([]string, error) {
	var text string
	switch {
	case strings.HasPrefix(fileType, "text/"):
		text = string(content)
	case fileType == "application/pdf":
		extracted, err := extractPDFText(content)
		if err != nil {
			return nil, fmt.Errorf("extract pdf text: %w", err)
		}
		text = extracted
	default:
		return nil, nil
	}
	tokens := Tokenize(text)
	if len(tokens) > maxContentTokens {
		tokens = tokens[:maxContentTokens]
	}
	return tokens, nil
}

// MergeTokens combines token lists without duplicates, preserving order.
func MergeTokens(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, tok := range list {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

func extractPDFText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// rankedID pairs a candidate with its score for sorting; shared by the
// memory and Postgres implementations' tests via identical ordering rules.
type rankedID struct {
	id        string
	score     int
	updatedAt int64
}

func sortRanked(ranked []rankedID) []string {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].updatedAt != ranked[j].updatedAt {
			return ranked[i].updatedAt > ranked[j].updatedAt
		}
		return ranked[i].id < ranked[j].id
	})
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}
