package inventory

import (
	"context"
	"sort"
	"strings"
)

// Catalog is the minimal master data the engines need: products (for SKU
// lookup and default location) and locations (for allocation eligibility).

type RegisterProductRequest struct {
	ID                string `json:"id,omitempty"`
	SKU               string `json:"sku" validate:"required,max=64"`
	Name              string `json:"name" validate:"required"`
	DefaultLocationID string `json:"default_location_id,omitempty"`
}

type RegisterLocationRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name" validate:"required"`
	Sellable bool   `json:"sellable"`
	Priority int    `json:"priority" validate:"gte=0"`
}

// RegisterProduct creates a product, or updates it when ID names an existing one.
// SKUs are unique.
func (e *Engine) RegisterProduct(ctx context.Context, req RegisterProductRequest) (Product, error) {
	return run(ctx, e, OpRegisterProduct, "", req, func(tx Tx) (Product, error) {
		sku := strings.TrimSpace(req.SKU)
		if req.DefaultLocationID != "" {
			if err := requireLocation(ctx, tx, req.DefaultLocationID); err != nil {
				return Product{}, err
			}
		}

		p := Product{ID: req.ID, SKU: sku, Name: req.Name, DefaultLocationID: req.DefaultLocationID}
		if p.ID == "" {
			p.ID = e.newID()
		}
		existing, err := tx.GetProduct(ctx, p.ID)
		if err != nil {
			return Product{}, err
		}
		if existing != nil {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = e.now()
		}

		other, err := tx.GetProductBySKU(ctx, sku)
		if err != nil {
			return Product{}, err
		}
		if other != nil && other.ID != p.ID {
			return Product{}, invalid("sku", "is already registered to product "+other.ID)
		}
		if err := tx.PutProduct(ctx, p); err != nil {
			return Product{}, err
		}
		return p, nil
	})
}

func (e *Engine) RegisterLocation(ctx context.Context, req RegisterLocationRequest) (Location, error) {
	return run(ctx, e, OpRegisterLocation, "", req, func(tx Tx) (Location, error) {
		l := Location{ID: req.ID, Name: req.Name, Sellable: req.Sellable, Priority: req.Priority}
		if l.ID == "" {
			l.ID = e.newID()
		}
		existing, err := tx.GetLocation(ctx, l.ID)
		if err != nil {
			return Location{}, err
		}
		if existing != nil {
			l.CreatedAt = existing.CreatedAt
		} else {
			l.CreatedAt = e.now()
		}
		if err := tx.PutLocation(ctx, l); err != nil {
			return Location{}, err
		}
		return l, nil
	})
}

func requireProduct(ctx context.Context, r Reader, id string) (*Product, error) {
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("product", id)
	}
	return p, nil
}

func requireLocation(ctx context.Context, r Reader, id string) error {
	l, err := r.GetLocation(ctx, id)
	if err != nil {
		return err
	}
	if l == nil {
		return notFound("location", id)
	}
	return nil
}

// eligibleLocations returns the sellable locations in allocation order:
// preferred first, then ascending priority, then ID. preferred is skipped
// if it is not sellable.
func eligibleLocations(ctx context.Context, r Reader, preferred string) ([]Location, error) {
	all, err := r.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Location, 0, len(all))
	for _, l := range all {
		if l.Sellable {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ID == preferred) != (b.ID == preferred) {
			return a.ID == preferred
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return out, nil
}
