// Package catalog caches the billing package list in front of the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tvbill/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

const listKey = "active"

// Catalog is a read-through cache of billing packages.
type Catalog struct {
	store storage.PackageStore
	byID  *expirable.LRU[int64, storage.Package]
	list  *expirable.LRU[string, []storage.Package]
}

// New creates a catalog holding up to size packages for ttl.
func New(store storage.PackageStore, size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 128
	}
	return &Catalog{
		store: store,
		byID:  expirable.NewLRU[int64, storage.Package](size, nil, ttl),
		list:  expirable.NewLRU[string, []storage.Package](1, nil, ttl),
	}
}

// Get returns a package by id, including inactive ones.
func (c *Catalog) Get(ctx context.Context, id int64) (*storage.Package, error) {
	if p, ok := c.byID.Get(id); ok {
		return &p, nil
	}
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.byID.Add(id, *p)
	return p, nil
}

// List returns the active packages ordered by duration.
func (c *Catalog) List(ctx context.Context) ([]storage.Package, error) {
	if pkgs, ok := c.list.Get(listKey); ok {
		return pkgs, nil
	}
	pkgs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	c.list.Add(listKey, pkgs)
	for _, p := range pkgs {
		c.byID.Add(p.ID, p)
	}
	return pkgs, nil
}

// Closest finds the package matching an extension. An exact minutes and
// price match wins over a minutes-only match. ok is false when neither exists.
func (c *Catalog) Closest(ctx context.Context, minutes int, price decimal.Decimal) (storage.Package, bool, error) {
	pkgs, err := c.List(ctx)
	if err != nil {
		return storage.Package{}, false, err
	}
	p, ok := Closest(pkgs, minutes, price)
	return p, ok, nil
}

// Closest is the pure matching rule behind Catalog.Closest.
func Closest(pkgs []storage.Package, minutes int, price decimal.Decimal) (storage.Package, bool) {
	var (
		byMinutes storage.Package
		found     bool
	)
	for _, p := range pkgs {
		if p.DurationMinutes != minutes {
			continue
		}
		if p.Price.Equal(price) {
			return p, true
		}
		if !found {
			byMinutes, found = p, true
		}
	}
	return byMinutes, found
}

// Invalidate drops every cached entry.
func (c *Catalog) Invalidate() {
	c.byID.Purge()
	c.list.Purge()
}

// IsNotFound reports whether err means the package does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
