package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotforge/admission-engine/internal/model"
	"github.com/slotforge/admission-engine/internal/service"
)

// ProductPoolInterface defines the database operations needed by ProductRepository.
type ProductPoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ProductRepository provides data access for products using pgx.
type ProductRepository struct {
	pool ProductPoolInterface
}

// NewProductRepository creates a new ProductRepository with the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// NewProductRepositoryWithPool creates a new ProductRepository with a custom pool interface.
// This is primarily used for testing.
func NewProductRepositoryWithPool(pool ProductPoolInterface) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID retrieves a product by id. Returns service.ErrProductNotFound
// if absent.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*model.Product, error) {
	query := `SELECT id, name, price_cents, initial_stock, current_stock, sale_opens_at, created_at
		FROM products WHERE id = $1`

	var p model.Product
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.PriceCents, &p.InitialStock, &p.CurrentStock, &p.SaleOpensAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return &p, nil
}

// DecrementStock atomically decrements current_stock by one, guarded so
// it never goes negative. Used only as an accounting mirror of the
// atomic cache's decision; the cache is authoritative for the
// admission decision itself.
func (r *ProductRepository) DecrementStock(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE products SET current_stock = current_stock - 1 WHERE id = $1 AND current_stock > 0`, id)
	if err != nil {
		return fmt.Errorf("decrement product stock %s: %w", id, err)
	}
	return nil
}

// IncrementStock atomically increments current_stock by one, guarded so
// it never exceeds initial_stock.
func (r *ProductRepository) IncrementStock(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE products SET current_stock = current_stock + 1 WHERE id = $1 AND current_stock < initial_stock`, id)
	if err != nil {
		return fmt.Errorf("increment product stock %s: %w", id, err)
	}
	return nil
}

// ListIDs returns every product id, used by the reconciliation sweep to
// iterate over the whole catalog.
func (r *ProductRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM products`)
	if err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product ids: %w", err)
	}
	return ids, nil
}
