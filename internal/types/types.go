package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ticket is an incident record as supplied by the ticket source.
// ID, SiteID, Created and Priority are the identity attributes the
// duplicate analysis relies on; everything else is optional.
type Ticket struct {
	ID          string     `json:"id" yaml:"id"`
	SiteID      string     `json:"site_id" yaml:"site_id"`
	CompanyID   string     `json:"company_id,omitempty" yaml:"company_id,omitempty"`
	Priority    Priority   `json:"priority" yaml:"priority"`
	Created     time.Time  `json:"created" yaml:"created"`
	Resolved    *time.Time `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string     `json:"category,omitempty" yaml:"category,omitempty"`
	Subcategory string     `json:"subcategory,omitempty" yaml:"subcategory,omitempty"`

	// Quality state. Ignored on ingestion, populated on read.
	IsActive     bool         `json:"is_active" yaml:"is_active"`
	MergedInto   string       `json:"merged_into,omitempty" yaml:"merged_into,omitempty"`
	ReviewStatus ReviewStatus `json:"manual_review_status" yaml:"manual_review_status"`
}

// Validate checks the attributes required for ingestion.
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("ticket id is required")
	}
	if strings.TrimSpace(t.SiteID) == "" {
		return fmt.Errorf("ticket %s: site_id is required", t.ID)
	}
	if t.Created.IsZero() {
		return fmt.Errorf("ticket %s: created timestamp is required", t.ID)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("ticket %s: invalid priority %d", t.ID, int(t.Priority))
	}
	if t.Resolved != nil && t.Resolved.Before(t.Created) {
		return fmt.Errorf("ticket %s: resolved precedes created", t.ID)
	}
	return nil
}

// Priority is the ticket severity. Larger values are more severe, so the
// zero value (PriorityUnknown) sorts below every real level.
type Priority int

const (
	PriorityUnknown Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// IsValid reports whether p is one of the declared levels.
func (p Priority) IsValid() bool {
	return p >= PriorityUnknown && p <= PriorityCritical
}

// Adjacent reports whether p and q are one severity level apart.
func (p Priority) Adjacent(q Priority) bool {
	if p == PriorityUnknown || q == PriorityUnknown {
		return false
	}
	d := int(p) - int(q)
	return d == 1 || d == -1
}

// MaxPriority returns the more severe of p and q.
func MaxPriority(p, q Priority) Priority {
	if q > p {
		return q
	}
	return p
}

// Rank is the number used by ticket sources: 1 is Critical, 4 is Low.
func (p Priority) Rank() int {
	if p == PriorityUnknown {
		return 0
	}
	return int(PriorityCritical-p) + 1
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	}
	return "Unknown"
}

// Label renders the priority the way ticket exports show it, e.g. "1 - Critical".
func (p Priority) Label() string {
	if p == PriorityUnknown {
		return p.String()
	}
	return fmt.Sprintf("%d - %s", p.Rank(), p.String())
}

// ParsePriority accepts "Critical", "critical", "1", "1 - Critical" and
// the other levels in the same shapes. An empty string is PriorityUnknown.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PriorityUnknown, nil
	}
	if rank, name, ok := strings.Cut(s, "-"); ok {
		rank, name = strings.TrimSpace(rank), strings.TrimSpace(name)
		if rank == "" || name == "" {
			return PriorityUnknown, fmt.Errorf("priority %q must have the form \"RANK - NAME\"", s)
		}
		r, err := strconv.Atoi(rank)
		if err != nil {
			return PriorityUnknown, fmt.Errorf("priority %q: invalid rank %q", s, rank)
		}
		p, err := ParsePriority(name)
		if err != nil {
			return PriorityUnknown, err
		}
		if p == PriorityUnknown || r != p.Rank() {
			return PriorityUnknown, fmt.Errorf("priority %q: rank %d does not match %s", s, r, p)
		}
		return p, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 4 {
			return PriorityUnknown, fmt.Errorf("priority rank must be between 1 and 4 (got %d)", n)
		}
		return PriorityCritical - Priority(n-1), nil
	}
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "unknown":
		return PriorityUnknown, nil
	}
	return PriorityUnknown, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts any shape ParsePriority accepts.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalJSON accepts either a string or a bare numeric rank.
func (p *Priority) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("priority %s: %w", s, err)
		}
		s = unq
	}
	return p.UnmarshalText([]byte(s))
}

// ReviewStatus is the manual review state of a single ticket.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewMerged    ReviewStatus = "merged"
	ReviewDismissed ReviewStatus = "dismissed"
)

// IsValid checks if the review status value is valid
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewPending, ReviewMerged, ReviewDismissed:
		return true
	}
	return false
}

// TicketOverrides holds the attribute values a merge or manual correction
// has replaced. Nil fields fall through to the ingested ticket.
type TicketOverrides struct {
	Description *string    `json:"description,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Subcategory *string    `json:"subcategory,omitempty"`
}

// TicketState is the mutable quality state kept beside an immutable ticket.
type TicketState struct {
	TicketID     string          `json:"ticket_id"`
	IsActive     bool            `json:"is_active"`
	MergedInto   string          `json:"merged_into,omitempty"`
	ReviewStatus ReviewStatus    `json:"review_status"`
	Overrides    TicketOverrides `json:"overrides"`
}

// InitialState is the state assigned to a freshly ingested ticket.
func InitialState(ticketID string) TicketState {
	return TicketState{TicketID: ticketID, IsActive: true, ReviewStatus: ReviewPending}
}

// Clone returns a deep copy of the state.
func (s TicketState) Clone() TicketState {
	c := s
	if s.Overrides.Description != nil {
		v := *s.Overrides.Description
		c.Overrides.Description = &v
	}
	if s.Overrides.Created != nil {
		v := *s.Overrides.Created
		c.Overrides.Created = &v
	}
	if s.Overrides.Priority != nil {
		v := *s.Overrides.Priority
		c.Overrides.Priority = &v
	}
	if s.Overrides.Category != nil {
		v := *s.Overrides.Category
		c.Overrides.Category = &v
	}
	if s.Overrides.Subcategory != nil {
		v := *s.Overrides.Subcategory
		c.Overrides.Subcategory = &v
	}
	return c
}

// Equal compares two states field by field.
func (s TicketState) Equal(o TicketState) bool {
	if s.TicketID != o.TicketID || s.IsActive != o.IsActive ||
		s.MergedInto != o.MergedInto || s.ReviewStatus != o.ReviewStatus {
		return false
	}
	a, b := s.Overrides, o.Overrides
	return equalPtr(a.Description, b.Description) &&
		equalTime(a.Created, b.Created) &&
		equalPtr(a.Priority, b.Priority) &&
		equalPtr(a.Category, b.Category) &&
		equalPtr(a.Subcategory, b.Subcategory)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// StoredTicket pairs the ingested ticket with its current quality state.
type StoredTicket struct {
	Original Ticket
	State    TicketState
}

// Effective returns the ticket as the rest of the system sees it: the
// ingested attributes with overrides and quality state applied.
func (st *StoredTicket) Effective() Ticket {
	t := st.Original
	o := st.State.Overrides
	if o.Description != nil {
		t.Description = *o.Description
	}
	if o.Created != nil {
		t.Created = *o.Created
	}
	if o.Priority != nil {
		t.Priority = *o.Priority
	}
	if o.Category != nil {
		t.Category = *o.Category
	}
	if o.Subcategory != nil {
		t.Subcategory = *o.Subcategory
	}
	t.IsActive = st.State.IsActive
	t.MergedInto = st.State.MergedInto
	t.ReviewStatus = st.State.ReviewStatus
	return t
}

// TicketFilter is used to filter ticket queries
type TicketFilter struct {
	SiteIDs    []string
	ActiveOnly bool
	IDs        []string
}
