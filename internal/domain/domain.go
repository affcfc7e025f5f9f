package domain

import "time"

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Product struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"org_id"`
	ParentID      *string    `json:"parent_id,omitempty"`
	Name          string     `json:"name"`
	AvailableDate *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate     *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time `json:"end_date,omitempty" format:"date-time"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

// IsRoot reports whether the product sits at the top of the hierarchy.
func (p Product) IsRoot() bool { return p.ParentID == nil }

type ValueChain struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"product_id"`
	Name          string     `json:"name"`
	AvailableDate *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate     *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time `json:"end_date,omitempty" format:"date-time"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID            string     `json:"id"`
	ValueChainID  string     `json:"value_chain_id"`
	Name          string     `json:"name"`
	Deadline      *time.Time `json:"deadline,omitempty" format:"date-time"`
	AvailableDate *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate     *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time `json:"end_date,omitempty" format:"date-time"`
	Predecessors  []string   `json:"predecessors,omitempty"`
	Successors    []string   `json:"successors,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	CollaboratorID string     `json:"collaborator_id"`
	StartDate      *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate        *time.Time `json:"end_date,omitempty" format:"date-time"`
	Closed         bool       `json:"closed"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

type Tracker struct {
	ID             string     `json:"id"`
	CollaboratorID string     `json:"collaborator_id"`
	AssignmentID   *string    `json:"assignment_id,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	Start          time.Time  `json:"start" format:"date-time"`
	End            *time.Time `json:"end,omitempty" format:"date-time"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

// Open reports whether the tracker is still running.
func (t Tracker) Open() bool { return t.End == nil }

type Collaborator struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID             string `json:"id"`
	CollaboratorID string `json:"collaborator_id"`
	Name           string `json:"name,omitempty"`
	KeyHash        string `json:"key_hash"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}
