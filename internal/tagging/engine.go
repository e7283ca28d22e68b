package tagging

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Topic labels scored by the heuristic engine, mirroring the fixed candidate
// set of the zero-shot classifier this engine stands in for.
var topicLabels = []string{
	"technology", "finance", "sports", "politics", "health", "entertainment",
}

var topicKeywords = map[string][]string{
	"technology":    {"software", "gpu", "chip", "ai", "computer", "robot", "internet", "startup", "tech"},
	"finance":       {"bank", "market", "stock", "invest", "revenue", "profit", "currency", "inflation"},
	"sports":        {"match", "league", "goal", "tournament", "champion", "coach", "olympic", "stadium"},
	"politics":      {"election", "government", "parliament", "minister", "policy", "senate", "vote"},
	"health":        {"hospital", "vaccine", "disease", "clinic", "patient", "drug", "therapy"},
	"entertainment": {"film", "movie", "album", "concert", "actor", "festival", "series"},
}

// HeuristicEngine is a dependency-free Annotator: capitalized-span entity
// extraction, keyword topic scoring, and case-insensitive domain-term
// matching. It exists so the service runs end to end without a model server;
// production deployments inject a real engine behind the same interface.
type HeuristicEngine struct{}

// NewHeuristicEngine returns the reference annotator.
func NewHeuristicEngine() *HeuristicEngine { return &HeuristicEngine{} }

func (e *HeuristicEngine) Annotate(ctx context.Context, texts []string, language string, domainTerms []string) ([]TagResult, error) {
	results := make([]TagResult, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entities := extractEntities(text)
		topic := scoreTopic(text)

		tags := make(map[string]struct{})
		for _, ent := range entities {
			tags[ent.Text] = struct{}{}
		}
		lower := strings.ToLower(text)
		for _, kw := range domainTerms {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				tags[kw] = struct{}{}
			}
		}
		tags[topic.Label] = struct{}{}

		combined := make([]string, 0, len(tags))
		for tag := range tags {
			combined = append(combined, tag)
		}
		sort.Strings(combined)

		results = append(results, TagResult{
			Text:     text,
			Tags:     combined,
			Language: language,
			NER:      entities,
			Topics:   []TopicScore{topic},
		})
	}
	return results, nil
}

// extractEntities finds maximal runs of capitalized words, skipping a
// sentence-leading word that is capitalized only by position.
func extractEntities(text string) []Entity {
	words := strings.Fields(text)
	var out []Entity
	var span []string
	flush := func() {
		if len(span) > 0 {
			out = append(out, Entity{
				Text:  strings.Join(span, " "),
				Label: "MISC",
				Score: 0.5,
			})
			span = nil
		}
	}
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		r := []rune(trimmed)
		capitalized := unicode.IsUpper(r[0])
		// A lone capitalized sentence opener is not evidence of an entity.
		if capitalized && i == 0 && len(words) > 1 {
			next := strings.TrimFunc(words[1], func(r rune) bool { return !unicode.IsLetter(r) })
			if next == "" || !unicode.IsUpper([]rune(next)[0]) {
				continue
			}
		}
		if capitalized {
			span = append(span, trimmed)
		} else {
			flush()
		}
		if strings.ContainsAny(w, ".!?,;:") {
			flush()
		}
	}
	flush()
	return out
}

func scoreTopic(text string) TopicScore {
	lower := strings.ToLower(text)
	best := TopicScore{Label: topicLabels[0], Score: 0}
	for _, label := range topicLabels {
		hits := 0
		for _, kw := range topicKeywords[label] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		score := float64(hits) / float64(len(topicKeywords[label]))
		if score > best.Score {
			best = TopicScore{Label: label, Score: score}
		}
	}
	if best.Score == 0 {
		best.Score = 1.0 / float64(len(topicLabels))
	}
	return best
}
