package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

// NamespaceSpec describes the schema a caller needs.
type NamespaceSpec struct {
	Name        string
	ModelID     string
	Dimension   int
	FilterNames []string
	Status      Status // defaults to ready
}

func (spec NamespaceSpec) validate() error {
	if spec.Name == "" {
		return errors.New("namespace name cannot be empty")
	}
	if spec.ModelID == "" {
		return errors.New("model id cannot be empty")
	}
	if err := validateDimension(spec.Dimension); err != nil {
		return err
	}
	return filter.ValidateNames(spec.FilterNames)
}

const namespaceColumns = `id, name, version, model_id, dimension, filter_names, status, created_at`

func scanNamespace(row interface{ Scan(...any) error }) (*Namespace, error) {
	var (
		ns        Namespace
		names     string
		status    string
		createdAt int64
	)
	if err := row.Scan(&ns.ID, &ns.Name, &ns.Version, &ns.ModelID, &ns.Dimension, &names, &status, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(names), &ns.FilterNames); err != nil {
		return nil, fmt.Errorf("namespace %s: bad filter names: %w", ns.ID, err)
	}
	ns.Status = Status(status)
	ns.CreatedAt = fromMillis(createdAt)
	return &ns, nil
}

func getNamespace(ctx context.Context, q querier, id string) (*Namespace, error) {
	ns, err := scanNamespace(q.QueryRowContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	return ns, err
}

// namespaceVersions returns every version of name, newest first.
func namespaceVersions(ctx context.Context, q querier, name string) ([]*Namespace, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+namespaceColumns+` FROM namespaces WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query namespaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// GetOrCreateNamespace returns the newest version of spec.Name whose status
// and schema match, creating a new version when none does.
func (s *SQLiteStore) GetOrCreateNamespace(ctx context.Context, spec NamespaceSpec) (*Namespace, error) {
	if spec.Status == "" {
		spec.Status = StatusReady
	}
	if !spec.Status.Valid() {
		return nil, wrapError("get_or_create_namespace", fmt.Errorf("invalid status %q", spec.Status))
	}
	if err := spec.validate(); err != nil {
		return nil, wrapError("get_or_create_namespace", err)
	}
	if spec.FilterNames == nil {
		spec.FilterNames = []string{}
	}

	var result *Namespace
	err := s.update(ctx, "get_or_create_namespace", func(tx *txn) error {
		versions, err := namespaceVersions(ctx, tx, spec.Name)
		if err != nil {
			return err
		}
		for _, ns := range versions {
			if ns.Status == spec.Status && ns.Compatible(spec.ModelID, spec.Dimension, spec.FilterNames) {
				result = ns
				return nil
			}
		}

		version := 0
		if len(versions) > 0 {
			version = versions[0].Version + 1
		}
		names, err := json.Marshal(spec.FilterNames)
		if err != nil {
			return err
		}
		ns := &Namespace{
			ID:          newID(),
			Name:        spec.Name,
			Version:     version,
			ModelID:     spec.ModelID,
			Dimension:   spec.Dimension,
			FilterNames: spec.FilterNames,
			Status:      spec.Status,
			CreatedAt:   fromMillis(toMillis(tx.now)),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO namespaces (`+namespaceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ns.ID, ns.Name, ns.Version, ns.ModelID, ns.Dimension, string(names), string(ns.Status), toMillis(tx.now))
		if err != nil {
			return fmt.Errorf("failed to insert namespace: %w", err)
		}
		s.logger.Info("namespace created", "namespace", ns.Name, "version", ns.Version, "id", ns.ID)
		result = ns
		return nil
	})
	return result, err
}

// LookupNamespace returns the newest ready version of name with the given
// schema. It returns nil and no error when there is none.
func (s *SQLiteStore) LookupNamespace(ctx context.Context, name, modelID string, dimension int, filterNames []string) (*Namespace, error) {
	var result *Namespace
	err := s.view("lookup_namespace", func(q querier) error {
		versions, err := namespaceVersions(ctx, q, name)
		if err != nil {
			return err
		}
		for _, ns := range versions {
			if ns.Status == StatusReady && ns.Compatible(modelID, dimension, filterNames) {
				result = ns
				return nil
			}
		}
		return nil
	})
	return result, err
}

// GetNamespace retrieves a namespace by id
func (s *SQLiteStore) GetNamespace(ctx context.Context, id string) (*Namespace, error) {
	var ns *Namespace
	err := s.view("get_namespace", func(q querier) error {
		var err error
		ns, err = getNamespace(ctx, q, id)
		return err
	})
	return ns, err
}

// ListNamespaces lists namespaces by name and version. An empty status lists all.
func (s *SQLiteStore) ListNamespaces(ctx context.Context, status Status) ([]*Namespace, error) {
	var out []*Namespace
	err := s.view("list_namespaces", func(q querier) error {
		query := `SELECT ` + namespaceColumns + ` FROM namespaces`
		var args []any
		if status != "" {
			query += ` WHERE status = ?`
			args = append(args, string(status))
		}
		query += ` ORDER BY name, version DESC`

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list namespaces: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			ns, err := scanNamespace(rows)
			if err != nil {
				return err
			}
			out = append(out, ns)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteNamespace removes a namespace that owns no entries
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, id string) error {
	return s.update(ctx, "delete_namespace", func(tx *txn) error {
		if _, err := getNamespace(ctx, tx, id); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM entries WHERE namespace_id = ?)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrNamespaceNotEmpty
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete namespace: %w", err)
		}
		return nil
	})
}
