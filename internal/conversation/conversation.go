// Package conversation defines the typed per-thread state carried through a turn
// and persisted in the checkpoint store.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Company is a ticker from the fixed filing corpus.
type Company string

const (
	CompanyApple     Company = "AAPL"
	CompanyMicrosoft Company = "MSFT"
	CompanyGoogle    Company = "GOOG"
	CompanyAmazon    Company = "AMZN"
	CompanyMeta      Company = "META"
)

// Companies lists every valid ticker in schema order.
var Companies = []Company{CompanyApple, CompanyMicrosoft, CompanyGoogle, CompanyAmazon, CompanyMeta}

// Category is a filing section.
type Category string

const (
	CategoryRisks         Category = "risks"
	CategoryManagementDis Category = "management_dis"
)

// Categories lists every valid category in schema order.
var Categories = []Category{CategoryRisks, CategoryManagementDis}

var (
	// ErrInvalidCompany is returned for a ticker outside Companies.
	ErrInvalidCompany = errors.New("invalid company")
	// ErrInvalidCategory is returned for a category outside Categories.
	ErrInvalidCategory = errors.New("invalid category")
)

// ParseCompany normalizes s to upper case and checks it against Companies.
func ParseCompany(s string) (Company, error) {
	c := Company(strings.ToUpper(strings.TrimSpace(s)))
	for _, valid := range Companies {
		if c == valid {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCompany, s)
}

// ParseCategory normalizes s to lower case and checks it against Categories.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range Categories {
		if c == valid {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Turn is one message in a conversation. Turns are never mutated once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// Metadata restricts retrieval to a company and/or category. Nil fields are unset.
type Metadata struct {
	Company  *Company  `json:"company"`
	Category *Category `json:"category"`
}

// IsEmpty reports whether no field is set.
func (m Metadata) IsEmpty() bool {
	return m.Company == nil && m.Category == nil
}

// Fields returns the set fields keyed by metadata name.
func (m Metadata) Fields() map[string]string {
	out := make(map[string]string, 2)
	if m.Company != nil {
		out["company"] = string(*m.Company)
	}
	if m.Category != nil {
		out["category"] = string(*m.Category)
	}
	return out
}

// StructuredQuery is the refiner's output.
type StructuredQuery struct {
	Filter       Metadata `json:"filter"`
	RefinedQuery string   `json:"refined_query"`
}

// State is the per-thread conversation state. Turns only grow.
type State struct {
	ThreadID        string           `json:"threadId"`
	Title           string           `json:"title,omitempty"`
	Turns           []Turn           `json:"turns"`
	StructuredQuery *StructuredQuery `json:"structuredQuery,omitempty"`
	SourceDocuments []string         `json:"sourceDocuments,omitempty"`
	CacheHit        bool             `json:"cacheHit"`
	Step            int64            `json:"step"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// New returns an empty state for threadID.
func New(threadID string) *State {
	return &State{ThreadID: threadID}
}

// Append adds a turn at the next position.
func (s *State) Append(role Role, content string, now time.Time) Turn {
	t := Turn{
		Role:      role,
		Content:   content,
		Position:  len(s.Turns),
		CreatedAt: now.UTC(),
	}
	s.Turns = append(s.Turns, t)
	s.UpdatedAt = t.CreatedAt
	return t
}

// LastAnswer returns the content of the final turn if it is an assistant turn.
func (s *State) LastAnswer() string {
	if n := len(s.Turns); n > 0 && s.Turns[n-1].Role == RoleAssistant {
		return s.Turns[n-1].Content
	}
	return ""
}

// PriorTurns returns up to n turns preceding the latest user turn.
func (s *State) PriorTurns(n int) []Turn {
	end := len(s.Turns)
	if end > 0 && s.Turns[end-1].Role == RoleUser {
		end--
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	return s.Turns[start:end]
}

// ResetTurnFields clears the fields that describe a single turn's processing.
func (s *State) ResetTurnFields() {
	s.StructuredQuery = nil
	s.SourceDocuments = nil
	s.CacheHit = false
}

// Marshal encodes s as a checkpoint payload.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a checkpoint payload.
func Unmarshal(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	return &s, nil
}
