package server

import (
	"encoding/json"
	"time"

	"tempoline/internal/config"
	"tempoline/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateProductRequest struct {
	ID       *string `json:"id,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	Name     string  `json:"name"`
}

type RenameProductRequest struct {
	Name string `json:"name"`
}

type CreateValueChainRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type MoveValueChainRequest struct {
	ProductID string `json:"product_id"`
}

type CreateTaskRequest struct {
	ID             *string    `json:"id,omitempty"`
	Name           string     `json:"name"`
	Deadline       *time.Time `json:"deadline,omitempty" format:"date-time"`
	PredecessorIDs []string   `json:"predecessor_ids,omitempty"`
	SuccessorIDs   []string   `json:"successor_ids,omitempty"`
	AvailableDate  *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate      *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate        *time.Time `json:"end_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Name               *string    `json:"name,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty" format:"date-time"`
	ClearDeadline      bool       `json:"clear_deadline,omitempty"`
	AddPredecessors    []string   `json:"add_predecessors,omitempty"`
	RemovePredecessors []string   `json:"remove_predecessors,omitempty"`
	AddSuccessors      []string   `json:"add_successors,omitempty"`
	RemoveSuccessors   []string   `json:"remove_successors,omitempty"`
	AvailableDate      *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate          *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate            *time.Time `json:"end_date,omitempty" format:"date-time"`
	ClearEndDate       bool       `json:"clear_end_date,omitempty"`
}

type CreateAssignmentRequest struct {
	ID               *string `json:"id,omitempty"`
	CollaboratorID   string  `json:"collaborator_id"`
	CollaboratorName string  `json:"collaborator_name,omitempty"`
}

type CloseAssignmentRequest struct {
	End *time.Time `json:"end,omitempty" format:"date-time"`
}

type StartTrackerRequest struct {
	ID             *string    `json:"id,omitempty"`
	AssignmentID   string     `json:"assignment_id,omitempty"`
	CollaboratorID string     `json:"collaborator_id"`
	Reason         string     `json:"reason,omitempty"`
	Start          *time.Time `json:"start,omitempty" format:"date-time"`
	End            *time.Time `json:"end,omitempty" format:"date-time"`
}

type StopTrackerRequest struct {
	End *time.Time `json:"end,omitempty" format:"date-time"`
}

type UpdateTrackerRequest struct {
	Start  *time.Time `json:"start,omitempty" format:"date-time"`
	End    *time.Time `json:"end,omitempty" format:"date-time"`
	Reason *string    `json:"reason,omitempty"`
}

type RecalcRequest struct {
	ProductID string `json:"product_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type CreateAPIKeyRequest struct {
	CollaboratorID string `json:"collaborator_id"`
	Name           string `json:"name,omitempty"`
}

type ImportOrgConfigRequest struct {
	Name        string `json:"name,omitempty"`
	MaxDuration string `json:"max_duration,omitempty" example:"12h"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type OrgResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProductResponse struct {
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

type ValueChainResponse struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"product_id"`
	Name          string     `json:"name"`
	AvailableDate *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate     *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time `json:"end_date,omitempty" format:"date-time"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID            string     `json:"id"`
	ValueChainID  string     `json:"value_chain_id"`
	Name          string     `json:"name"`
	Deadline      *time.Time `json:"deadline,omitempty" format:"date-time"`
	AvailableDate *time.Time `json:"available_date,omitempty" format:"date-time"`
	StartDate     *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time `json:"end_date,omitempty" format:"date-time"`
	Predecessors  []string   `json:"predecessors"`
	Successors    []string   `json:"successors"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"task_id"`
	CollaboratorID string     `json:"collaborator_id"`
	StartDate      *time.Time `json:"start_date,omitempty" format:"date-time"`
	EndDate        *time.Time `json:"end_date,omitempty" format:"date-time"`
	Closed         bool       `json:"closed"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

type TrackerResponse struct {
	ID             string     `json:"id"`
	CollaboratorID string     `json:"collaborator_id"`
	AssignmentID   *string    `json:"assignment_id,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	Start          time.Time  `json:"start" format:"date-time"`
	End            *time.Time `json:"end,omitempty" format:"date-time"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

type CollaboratorResponse struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID             string `json:"id"`
	CollaboratorID string `json:"collaborator_id"`
	Name           string `json:"name,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	// Key is only populated on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

type OrgConfigResponse struct {
	Org struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"org"`
	Trackers struct {
		MaxDuration string `json:"max_duration"`
	} `json:"trackers"`
	Recalc struct {
		BatchSize int `json:"batch_size"`
	} `json:"recalc"`
}

type RecalcResponse struct {
	Tasks              int `json:"tasks"`
	TasksUpdated       int `json:"tasks_updated"`
	ValueChains        int `json:"value_chains"`
	ValueChainsUpdated int `json:"value_chains_updated"`
	Products           int `json:"products"`
	ProductsUpdated    int `json:"products_updated"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func orgResponse(o domain.Org) OrgResponse { return OrgResponse(o) }

func productResponse(p domain.Product) ProductResponse {
	return ProductResponse(p)
}

func chainResponse(v domain.ValueChain) ValueChainResponse {
	return ValueChainResponse(v)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		ValueChainID:  t.ValueChainID,
		Name:          t.Name,
		Deadline:      t.Deadline,
		AvailableDate: t.AvailableDate,
		StartDate:     t.StartDate,
		EndDate:       t.EndDate,
		Predecessors:  nonNilSlice(t.Predecessors),
		Successors:    nonNilSlice(t.Successors),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func trackerResponse(t domain.Tracker) TrackerResponse {
	return TrackerResponse(t)
}

func collaboratorResponse(c domain.Collaborator) CollaboratorResponse {
	return CollaboratorResponse(c)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) OrgConfigResponse {
	var res OrgConfigResponse
	res.Org.ID = cfg.Org.ID
	res.Org.Name = cfg.Org.Name
	res.Trackers.MaxDuration = cfg.Trackers.MaxDuration.String()
	res.Recalc.BatchSize = cfg.Recalc.BatchSize
	return res
}

func mapProducts(items []domain.Product) []ProductResponse {
	res := make([]ProductResponse, 0, len(items))
	for _, p := range items {
		res = append(res, productResponse(p))
	}
	return res
}

func mapChains(items []domain.ValueChain) []ValueChainResponse {
	res := make([]ValueChainResponse, 0, len(items))
	for _, v := range items {
		res = append(res, chainResponse(v))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func mapTrackers(items []domain.Tracker) []TrackerResponse {
	res := make([]TrackerResponse, 0, len(items))
	for _, t := range items {
		res = append(res, trackerResponse(t))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
