package types

import "time"

// ArtifactKind names one derived CSS artifact.
type ArtifactKind string

const (
	KindCCSS ArtifactKind = "ccss"
	KindUCSS ArtifactKind = "ucss"
)

// Kinds lists every artifact kind in processing order.
var Kinds = []ArtifactKind{KindCCSS, KindUCSS}

// Service returns the remote service type for the kind.
func (k ArtifactKind) Service() string {
	switch k {
	case KindUCSS:
		return "UCSS"
	default:
		return "CCSS"
	}
}

// Valid reports whether k is a known kind.
func (k ArtifactKind) Valid() bool {
	return k == KindCCSS || k == KindUCSS
}

// VariantKey identifies one cached page variant, e.g. "2/editor_5d41402a.mobile".
type VariantKey string

// PageRequest describes the page view a variant key is derived from.
type PageRequest struct {
	URL        string `json:"url" validate:"required,url"`
	UserAgent  string `json:"user_agent"`
	UserID     string `json:"user_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
	MobileHint bool   `json:"mobile,omitempty"`
	NotFound   bool   `json:"not_found,omitempty"`
}

// QueueEntry is one pending generation request.
type QueueEntry struct {
	Kind      ArtifactKind `json:"kind"`
	Key       VariantKey   `json:"key" validate:"required"`
	URL       string       `json:"url" validate:"required"`
	UserAgent string       `json:"user_agent"`
	IsMobile  bool         `json:"is_mobile"`
	UserID    string       `json:"user_id,omitempty"`
	Role      string       `json:"role,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Job returns the transient generation job for the entry.
func (e QueueEntry) Job() GenerationJob {
	return GenerationJob{
		Kind:      e.Kind,
		Key:       e.Key,
		URL:       e.URL,
		UserAgent: e.UserAgent,
		IsMobile:  e.IsMobile,
		UserID:    e.UserID,
		Role:      e.Role,
	}
}

// GenerationJob lives for the duration of one generation attempt.
type GenerationJob struct {
	Kind      ArtifactKind
	Key       VariantKey
	URL       string
	UserAgent string
	IsMobile  bool
	UserID    string
	Role      string
}

// ExtractedPayload is the CSS gathered from a page and the HTML without it.
type ExtractedPayload struct {
	CSS  string
	HTML string
}

// Lease marks an in-flight generation attempt.
type Lease struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RunStats holds the metrics of the last completed request for a kind.
type RunStats struct {
	CurrRequest time.Time     `json:"curr_request"`
	LastRequest time.Time     `json:"last_request"`
	LastSpent   time.Duration `json:"last_spent"`
}

// HistoryEntry records the last source URL served for a variant key.
type HistoryEntry struct {
	Kind      ArtifactKind `json:"kind"`
	Key       VariantKey   `json:"key"`
	URL       string       `json:"url"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Summary is the persisted process state.
type Summary struct {
	Queue   map[ArtifactKind][]QueueEntry `json:"queue"`
	Runs    map[ArtifactKind]RunStats     `json:"runs"`
	History []HistoryEntry                `json:"history"`
}
