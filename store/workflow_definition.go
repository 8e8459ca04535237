package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/flowengine/apperror"
	"github.com/r3e-network/flowengine/workflow"
)

// DefinitionStore is the Postgres-backed workflow.DefinitionRepo.
type DefinitionStore struct {
	db *sqlx.DB
}

// NewDefinitionStore builds a DefinitionStore over db.
func NewDefinitionStore(db *sqlx.DB) *DefinitionStore {
	return &DefinitionStore{db: db}
}

type definitionRow struct {
	Name        string      `db:"name"`
	Version     string      `db:"version"`
	DisplayName string      `db:"display_name"`
	Description string      `db:"description"`
	Status      string      `db:"status"`
	IsActive    bool        `db:"is_active"`
	Category    string      `db:"category"`
	Tags        jsonStrings `db:"tags"`
	Spec        []byte      `db:"spec"`
}

// definitionSpec is the JSON shape persisted in the spec column: the DAG
// nodes and edges a Definition carries beyond its identity/lifecycle fields.
type definitionSpec struct {
	Nodes []workflow.NodeSpec `json:"nodes"`
	Edges []workflow.Edge     `json:"edges"`
}

func (s *DefinitionStore) FindByNameAndVersion(ctx context.Context, name, version string) (*workflow.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT name, version, display_name, description, status, is_active, category, tags, spec
		 FROM workflow_definitions WHERE name=$1 AND version=$2`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("workflow_definition", name+"@"+version)
	}
	if err != nil {
		return nil, apperror.Transient("find definition by name and version", err)
	}
	return rowToDefinition(row)
}

func (s *DefinitionStore) FindActiveByName(ctx context.Context, name string) (*workflow.Definition, error) {
	var row definitionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT name, version, display_name, description, status, is_active, category, tags, spec
		 FROM workflow_definitions WHERE name=$1 AND is_active AND status='active'`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("workflow_definition", name)
	}
	if err != nil {
		return nil, apperror.Transient("find active definition", err)
	}
	return rowToDefinition(row)
}

func (s *DefinitionStore) Create(ctx context.Context, def *workflow.Definition) error {
	if err := workflow.DetectCycle(def); err != nil {
		return err
	}

	spec, err := json.Marshal(definitionSpec{Nodes: def.Nodes, Edges: def.Edges})
	if err != nil {
		return apperror.Fatal("marshal definition spec", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions
		 (name, version, display_name, description, status, is_active, category, tags, spec)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		def.Name, def.Version, def.DisplayName, def.Description, string(def.Status),
		def.IsActive, def.Category, jsonStrings(def.Tags), spec)
	if err != nil {
		return apperror.Transient("create workflow definition", err)
	}
	return nil
}

// Update persists def. When def.IsActive, it first deactivates any other
// active version of the same name in the same transaction, preserving the
// "at most one active per name" invariant.
func (s *DefinitionStore) Update(ctx context.Context, def *workflow.Definition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Transient("begin update definition transaction", err)
	}
	defer tx.Rollback()

	if def.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_definitions SET is_active=false, updated_at=now()
			 WHERE name=$1 AND version<>$2 AND is_active`, def.Name, def.Version); err != nil {
			return apperror.Transient("deactivate prior active version", err)
		}
	}

	spec, err := json.Marshal(definitionSpec{Nodes: def.Nodes, Edges: def.Edges})
	if err != nil {
		return apperror.Fatal("marshal definition spec", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions
		 SET display_name=$3, description=$4, status=$5, is_active=$6, category=$7, tags=$8, spec=$9, updated_at=now()
		 WHERE name=$1 AND version=$2`,
		def.Name, def.Version, def.DisplayName, def.Description, string(def.Status),
		def.IsActive, def.Category, jsonStrings(def.Tags), spec)
	if err != nil {
		return apperror.Transient("update workflow definition", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperror.Transient("read rows affected updating definition", err)
	}
	if affected == 0 {
		return apperror.NotFound("workflow_definition", def.Name+"@"+def.Version)
	}

	if err := tx.Commit(); err != nil {
		return apperror.Transient("commit update definition transaction", err)
	}
	return nil
}

func (s *DefinitionStore) List(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Definition, error) {
	query := `SELECT name, version, display_name, description, status, is_active, category, tags, spec
	          FROM workflow_definitions WHERE true`
	var args []interface{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += " AND category=$" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND status=$" + strconv.Itoa(len(args))
	}
	query += " ORDER BY name, version"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperror.Transient("list workflow definitions", err)
	}

	out := make([]*workflow.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := rowToDefinition(row)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func rowToDefinition(row definitionRow) (*workflow.Definition, error) {
	var spec definitionSpec
	if err := json.Unmarshal(row.Spec, &spec); err != nil {
		return nil, apperror.Fatal("decode definition spec", err)
	}
	return &workflow.Definition{
		Name:        row.Name,
		Version:     row.Version,
		DisplayName: row.DisplayName,
		Description: row.Description,
		Status:      workflow.DefinitionStatus(row.Status),
		IsActive:    row.IsActive,
		Category:    row.Category,
		Tags:        row.Tags,
		Nodes:       spec.Nodes,
		Edges:       spec.Edges,
	}, nil
}
