package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tempoline/internal/config"
	"tempoline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so reads can run inside or
// outside a mutating transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

// --- orgs ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO orgs(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, id, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Org, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM orgs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Org
	for rows.Next() {
		var o domain.Org
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return r.upsertOrgConfig(ctx, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return r.upsertOrgConfig(ctx, tx, orgID, cfg)
}

func (r Repo) upsertOrgConfig(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- products ---

const productColumns = `id,org_id,parent_id,name,available_date,start_date,end_date,created_at,updated_at`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var parentID, available, start, end sql.NullString
	err := scan(&p.ID, &p.OrgID, &parentID, &p.Name, &available, &start, &end, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if parentID.Valid {
		p.ParentID = &parentID.String
	}
	if p.AvailableDate, err = parseTime(available); err != nil {
		return p, err
	}
	if p.StartDate, err = parseTime(start); err != nil {
		return p, err
	}
	if p.EndDate, err = parseTime(end); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProductTx(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO products(`+productColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, nullableStringPtr(p.ParentID), p.Name,
		timeArg(p.AvailableDate), timeArg(p.StartDate), timeArg(p.EndDate), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProductTx(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	res, err := tx.ExecContext(ctx, `UPDATE products SET parent_id=?, name=?, available_date=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		nullableStringPtr(p.ParentID), p.Name, timeArg(p.AvailableDate), timeArg(p.StartDate), timeArg(p.EndDate), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return r.GetProductTx(ctx, nil, id)
}

func (r Repo) GetProductTx(ctx context.Context, tx *sql.Tx, id string) (domain.Product, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id=?`, id)
	return scanProduct(row.Scan)
}

func (r Repo) ListProducts(ctx context.Context, orgID string) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE org_id=? ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (r Repo) ListSubProductsTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Product, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE parent_id=? ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProducts(rows)
}

func collectProducts(rows *sql.Rows) ([]domain.Product, error) {
	var res []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProductTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- value chains ---

const chainColumns = `id,product_id,name,available_date,start_date,end_date,created_at,updated_at`

func scanChain(scan func(dest ...any) error) (domain.ValueChain, error) {
	var v domain.ValueChain
	var available, start, end sql.NullString
	err := scan(&v.ID, &v.ProductID, &v.Name, &available, &start, &end, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if v.AvailableDate, err = parseTime(available); err != nil {
		return v, err
	}
	if v.StartDate, err = parseTime(start); err != nil {
		return v, err
	}
	if v.EndDate, err = parseTime(end); err != nil {
		return v, err
	}
	return v, nil
}

func (r Repo) InsertValueChainTx(ctx context.Context, tx *sql.Tx, v domain.ValueChain) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO value_chains(`+chainColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.ProductID, v.Name, timeArg(v.AvailableDate), timeArg(v.StartDate), timeArg(v.EndDate), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) UpdateValueChainTx(ctx context.Context, tx *sql.Tx, v domain.ValueChain) error {
	res, err := tx.ExecContext(ctx, `UPDATE value_chains SET product_id=?, name=?, available_date=?, start_date=?, end_date=?, updated_at=? WHERE id=?`,
		v.ProductID, v.Name, timeArg(v.AvailableDate), timeArg(v.StartDate), timeArg(v.EndDate), v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetValueChain(ctx context.Context, id string) (domain.ValueChain, error) {
	return r.GetValueChainTx(ctx, nil, id)
}

func (r Repo) GetValueChainTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValueChain, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+chainColumns+` FROM value_chains WHERE id=?`, id)
	return scanChain(row.Scan)
}

func (r Repo) ListValueChainsTx(ctx context.Context, tx *sql.Tx, productID string) ([]domain.ValueChain, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+chainColumns+` FROM value_chains WHERE product_id=? ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValueChain
	for rows.Next() {
		v, err := scanChain(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) DeleteValueChainTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM value_chains WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE `
	for i, c := range clauses {
		if i > 0 {
			query += " AND "
		}
		query += c
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
