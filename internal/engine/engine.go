package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tempoline/internal/config"
	"tempoline/internal/domain"
	"tempoline/internal/engine/dates"
	"tempoline/internal/events"
	"tempoline/internal/repo"
)

// Engine owns every mutating operation on the product hierarchy. Each
// operation runs inside a single transaction: validation first, then the
// mutation, then the date cascade, then commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowUTC() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

func (e Engine) orgID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Org.ID
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// InitOrg creates the org and seeds its config.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Org, error) {
	if e.Config == nil {
		return domain.Org{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Org{}, err
	}
	defer tx.Rollback()

	now := e.nowUTC().Format(time.RFC3339)
	if name == "" {
		name = orgID
	}
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return domain.Org{}, fmt.Errorf("insert org: %w", err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, config.Default(orgID)); err != nil {
		return domain.Org{}, fmt.Errorf("insert org config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.OrgInitialized, orgID, orgID, actorID, nil); err != nil {
		return domain.Org{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Org{}, err
	}
	return domain.Org{ID: orgID, Name: name, CreatedAt: now}, nil
}

// ProductCreateOptions are parameters for creating a product or sub-product.
type ProductCreateOptions struct {
	ID       string
	OrgID    string
	ParentID string
	Name     string
	ActorID  string
}

func (e Engine) CreateProduct(ctx context.Context, opts ProductCreateOptions) (domain.Product, error) {
	if e.Config == nil {
		return domain.Product{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Product{}, errors.New("name is required")
	}
	if opts.OrgID == "" {
		opts.OrgID = e.orgID()
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Product{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()

	var parentID *string
	if opts.ParentID != "" {
		parent, err := e.Repo.GetProductTx(ctx, tx, opts.ParentID)
		if err != nil {
			return domain.Product{}, err
		}
		if !parent.IsRoot() {
			return domain.Product{}, validationf(KindHierarchyDepth, "product %s is a sub-product and cannot own products", parent.ID)
		}
		parentID = &parent.ID
	}

	now := e.nowUTC().Format(time.RFC3339)
	p := domain.Product{
		ID:        newID(opts.ID),
		OrgID:     opts.OrgID,
		ParentID:  parentID,
		Name:      opts.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertProductTx(ctx, tx, p); err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	// A new empty sub-product revokes the parent's end date until it ends.
	if p.ParentID != nil {
		if err := e.cascadeProductTx(ctx, tx, *p.ParentID, dates.ModeFull); err != nil {
			return domain.Product{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProductCreated, p.OrgID, p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func (e Engine) RenameProduct(ctx context.Context, id, name, actorID string) (domain.Product, error) {
	if name == "" {
		return domain.Product{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProductTx(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Name = name
	p.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProductTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.ProductUpdated, p.OrgID, p.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// DeleteProduct removes a product and everything under it. Dependency edges
// reaching tasks outside the product are pruned first so external successors
// regain a consistent availability.
func (e Engine) DeleteProduct(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProductTx(ctx, tx, id)
	if err != nil {
		return err
	}
	chains, err := e.Repo.ListValueChainsTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if p.IsRoot() {
		subs, err := e.Repo.ListSubProductsTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			subChains, err := e.Repo.ListValueChainsTx(ctx, tx, sub.ID)
			if err != nil {
				return err
			}
			chains = append(chains, subChains...)
		}
	}
	var affected []string
	for _, c := range chains {
		ids, err := e.Repo.PruneExternalEdgesTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		affected = append(affected, ids...)
	}
	if err := e.Repo.DeleteProductTx(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := e.refreshAvailabilityTx(ctx, tx, affected); err != nil {
		return err
	}
	if p.ParentID != nil {
		if err := e.cascadeProductTx(ctx, tx, *p.ParentID, dates.ModeFull); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProductDeleted, p.OrgID, p.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ValueChainCreateOptions are parameters for creating a value chain.
type ValueChainCreateOptions struct {
	ID        string
	ProductID string
	Name      string
	ActorID   string
}

func (e Engine) CreateValueChain(ctx context.Context, opts ValueChainCreateOptions) (domain.ValueChain, error) {
	if opts.Name == "" {
		return domain.ValueChain{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValueChain{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProductTx(ctx, tx, opts.ProductID)
	if err != nil {
		return domain.ValueChain{}, err
	}
	now := e.nowUTC().Format(time.RFC3339)
	v := domain.ValueChain{
		ID:        newID(opts.ID),
		ProductID: p.ID,
		Name:      opts.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertValueChainTx(ctx, tx, v); err != nil {
		return domain.ValueChain{}, fmt.Errorf("insert value chain: %w", err)
	}
	// A new empty chain revokes the product's end date until its tasks end.
	if err := e.cascadeProductTx(ctx, tx, p.ID, dates.ModeFull); err != nil {
		return domain.ValueChain{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ValueChainCreated, p.OrgID, v.ID, opts.ActorID, events.EventPayload{"name": v.Name}); err != nil {
		return domain.ValueChain{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValueChain{}, err
	}
	return v, nil
}

// MoveValueChain reparents a chain to another product. Dependency edges that
// cross the chain boundary are detached explicitly, then both the old and the
// new product chains are recomputed.
func (e Engine) MoveValueChain(ctx context.Context, chainID, newProductID, actorID string) (domain.ValueChain, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValueChain{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetValueChainTx(ctx, tx, chainID)
	if err != nil {
		return v, err
	}
	if v.ProductID == newProductID {
		return v, tx.Commit()
	}
	target, err := e.Repo.GetProductTx(ctx, tx, newProductID)
	if err != nil {
		return v, err
	}
	oldProductID := v.ProductID

	affected, err := e.Repo.PruneExternalEdgesTx(ctx, tx, v.ID)
	if err != nil {
		return v, err
	}
	v.ProductID = target.ID
	v.UpdatedAt = e.nowUTC().Format(time.RFC3339)
	if err := e.Repo.UpdateValueChainTx(ctx, tx, v); err != nil {
		return v, err
	}
	if err := e.refreshAvailabilityTx(ctx, tx, affected); err != nil {
		return v, err
	}
	// The old parent chain is recomputed with the subtree absent, the new one
	// with it present.
	if err := e.cascadeProductTx(ctx, tx, oldProductID, dates.ModeFull); err != nil {
		return v, err
	}
	if err := e.cascadeProductTx(ctx, tx, target.ID, dates.ModeFull); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, events.ValueChainMoved, target.OrgID, v.ID, actorID, events.EventPayload{
		"from_product": oldProductID,
		"to_product":   target.ID,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	return v, nil
}

// DeleteValueChain removes a chain and its tasks, pruning cross-chain edges
// first and recomputing the owning product afterwards.
func (e Engine) DeleteValueChain(ctx context.Context, chainID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetValueChainTx(ctx, tx, chainID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProductTx(ctx, tx, v.ProductID)
	if err != nil {
		return err
	}
	affected, err := e.Repo.PruneExternalEdgesTx(ctx, tx, v.ID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteValueChainTx(ctx, tx, v.ID); err != nil {
		return err
	}
	if err := e.refreshAvailabilityTx(ctx, tx, affected); err != nil {
		return err
	}
	if err := e.cascadeProductTx(ctx, tx, p.ID, dates.ModeFull); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ValueChainDeleted, p.OrgID, v.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
