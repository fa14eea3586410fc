package sqlstore

import (
	"context"
	"fmt"

	"github.com/goodtune/tvbill/internal/storage"
)

type packageStore struct {
	s *Store
}

func scanPackage(row rowScanner) (*storage.Package, error) {
	var (
		p      storage.Package
		active int
	)
	if err := row.Scan(&p.ID, &p.Name, &p.DurationMinutes, &p.Price, &active); err != nil {
		return nil, err
	}
	p.Active = active == 1
	return &p, nil
}

func (ps *packageStore) Get(ctx context.Context, id int64) (*storage.Package, error) {
	p, err := scanPackage(ps.s.queryRow(ctx, ps.s.db,
		`SELECT id, name, duration_minutes, price, is_active FROM packages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (ps *packageStore) List(ctx context.Context) ([]storage.Package, error) {
	rows, err := ps.s.query(ctx, ps.s.db,
		`SELECT id, name, duration_minutes, price, is_active FROM packages WHERE is_active = 1 ORDER BY duration_minutes, id`)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []storage.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *p)
	}
	return packages, rows.Err()
}

func (ps *packageStore) Create(ctx context.Context, pkg *storage.Package) error {
	if pkg.Name == "" {
		return fmt.Errorf("package name is required")
	}
	if pkg.DurationMinutes <= 0 {
		return fmt.Errorf("package duration must be greater than zero")
	}
	id, err := ps.s.insert(ctx, ps.s.db,
		`INSERT INTO packages (name, duration_minutes, price, is_active) VALUES (?, ?, ?, 1)`,
		pkg.Name, pkg.DurationMinutes, pkg.Price.String())
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	pkg.ID = id
	pkg.Active = true
	return nil
}
