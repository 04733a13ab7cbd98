package core

import (
	"time"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

// Status is the lifecycle state shared by namespaces, entries and chunks.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusReplaced Status = "replaced"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusReplaced:
		return true
	}
	return false
}

// Metadata is arbitrary structured data attached to entries and chunk contents.
type Metadata map[string]filter.Value

// Namespace is an isolated search space with a fixed embedding model,
// dimension and filter schema. Namespaces are never modified after creation;
// a schema change creates a new version under the same name.
type Namespace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	ModelID     string    `json:"modelId"`
	Dimension   int       `json:"dimension"`
	FilterNames []string  `json:"filterNames"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Compatible reports whether the namespace has exactly the given schema.
// Filter name order is significant.
func (n *Namespace) Compatible(modelID string, dimension int, filterNames []string) bool {
	if n.ModelID != modelID || n.Dimension != dimension || len(n.FilterNames) != len(filterNames) {
		return false
	}
	for i := range filterNames {
		if n.FilterNames[i] != filterNames[i] {
			return false
		}
	}
	return true
}

// Entry is one version of a logical document.
type Entry struct {
	ID              string         `json:"id"`
	NamespaceID     string         `json:"namespaceId"`
	Key             string         `json:"key,omitempty"`
	Version         int            `json:"version"`
	Importance      float64        `json:"importance"`
	FilterValues    []filter.Named `json:"filterValues,omitempty"`
	ContentHash     string         `json:"contentHash,omitempty"`
	Title           string         `json:"title,omitempty"`
	Metadata        Metadata       `json:"metadata,omitempty"`
	Status          Status         `json:"status"`
	OnComplete      string         `json:"onComplete,omitempty"`
	PreviousEntryID string         `json:"previousEntryId,omitempty"`
	ReplacedAt      *time.Time     `json:"replacedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// ChunkInput is one chunk supplied by a caller or a chunker.
type ChunkInput struct {
	Text           string    `json:"text"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	SearchableText string    `json:"searchableText,omitempty"` // Defaults to Text
}

// Chunk is an ordered slice of an entry's content.
type Chunk struct {
	ID             string   `json:"id"`
	EntryID        string   `json:"entryId"`
	Order          int      `json:"order"`
	State          Status   `json:"state"`
	Text           string   `json:"text"`
	Metadata       Metadata `json:"metadata,omitempty"`
	SearchableText string   `json:"searchableText,omitempty"`
	EmbeddingID    string   `json:"embeddingId,omitempty"`
}

// PageOptions controls paginated listing. Cursor is opaque and empty for the
// first page.
type PageOptions struct {
	Cursor string
	Limit  int
}

// ChunkPage is one page of ListChunks output.
type ChunkPage struct {
	Chunks     []Chunk `json:"chunks"`
	NextCursor string  `json:"nextCursor,omitempty"`
	IsDone     bool    `json:"isDone"`
}

// EntryPage is one page of ListEntries output.
type EntryPage struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"nextCursor,omitempty"`
	IsDone     bool     `json:"isDone"`
}

// Completion is delivered to an entry's onComplete handler when the entry
// settles.
type Completion struct {
	Namespace       string `msgpack:"namespace" json:"namespace"`
	NamespaceID     string `msgpack:"namespace_id" json:"namespaceId"`
	Key             string `msgpack:"key" json:"key,omitempty"`
	EntryID         string `msgpack:"entry_id" json:"entryId"`
	PreviousEntryID string `msgpack:"previous_entry_id" json:"previousEntryId,omitempty"`
	Success         bool   `msgpack:"success" json:"success"`
	Error           string `msgpack:"error,omitempty" json:"error,omitempty"`
}
