// Package tagging holds the tagging API types and the annotation engine
// contract. The engine itself is a pluggable collaborator; the coordination
// layer only depends on the Annotator interface.
package tagging

import "context"

// Job lifecycle states as reported to API clients.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusRetry   = "RETRY"
	StatusFailure = "FAILURE"
	StatusSuccess = "SUCCESS"
)

// TagRequest is a batch tagging request.
type TagRequest struct {
	Texts      []string `json:"texts"`
	Language   string   `json:"language,omitempty"`
	DomainDict []string `json:"domain_dict,omitempty"`
}

// Entity is a recognized named entity within a text.
type Entity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TopicScore is a topic label with model confidence.
type TopicScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// TagResult is the annotation output for a single text.
type TagResult struct {
	Text     string       `json:"text"`
	Tags     []string     `json:"tags"`
	Language string       `json:"language,omitempty"`
	NER      []Entity     `json:"ner,omitempty"`
	Topics   []TopicScore `json:"topics,omitempty"`
}

// TagResponse is the full response for a batch.
type TagResponse struct {
	Results []TagResult `json:"results"`
}

// ErrorInfo is the machine-readable error shape shared by the synchronous
// and asynchronous paths.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the serialized terminal payload: either a response or an
// application error, never both. A cached timeout travels in Error.
type Envelope struct {
	Results []TagResult `json:"results,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// BatchSubmitResponse acknowledges an asynchronous submission.
type BatchSubmitResponse struct {
	JobID string `json:"job_id"`
}

// BatchStatusResponse reports job lifecycle state and, on terminal states,
// the result or error payload.
type BatchStatusResponse struct {
	Status string       `json:"status"`
	Result *TagResponse `json:"result,omitempty"`
	Error  *ErrorInfo   `json:"error,omitempty"`
}

// Annotator maps a batch of texts plus optional hints to annotations. It may
// be slow and may fail; implementations must honor ctx cancellation, which
// the worker uses to enforce the soft deadline.
type Annotator interface {
	Annotate(ctx context.Context, texts []string, language string, domainTerms []string) ([]TagResult, error)
}
