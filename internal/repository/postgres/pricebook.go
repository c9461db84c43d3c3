package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/meterline/meterline/internal/domain/pricebook"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type priceBookRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewPriceBookRepository(db *postgres.DB, logger *logger.Logger) pricebook.Repository {
	return &priceBookRepository{db: db, logger: logger}
}

// Create inserts a book after checking that its effective interval does
// not overlap any sibling in the same parent chain.
func (r *priceBookRepository) Create(ctx context.Context, book *pricebook.PriceBook) error {
	if book.ParentID != nil {
		siblings, err := r.listChain(ctx, *book.ParentID)
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if book.Overlaps(sibling) {
				return ierr.NewError("effective intervals overlap within price book chain").
					WithHint("Versioned successors of a price book must not overlap in time").
					WithReportableDetails(map[string]interface{}{
						"price_book_id": book.ID,
						"conflicts":     sibling.ID,
					}).
					Mark(ierr.ErrInvalidOperation)
			}
		}
	}

	query := `
		INSERT INTO price_books (
			id, name, version, effective_from, effective_until, currency,
			parent_id, created_at, updated_at
		) VALUES (
			:id, :name, :version, :effective_from, :effective_until, :currency,
			:parent_id, :created_at, :updated_at
		)`

	r.logger.Debugw("creating price book",
		"price_book_id", book.ID,
		"effective_from", book.EffectiveFrom,
	)

	if _, err := r.db.NamedExecContext(ctx, query, book); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to insert price book").
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *priceBookRepository) listChain(ctx context.Context, parentID string) ([]*pricebook.PriceBook, error) {
	var books []*pricebook.PriceBook
	err := r.db.GetQuerier(ctx).SelectContext(ctx, &books, `
		SELECT * FROM price_books
		WHERE parent_id = $1 OR id = $1`, parentID)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list price book chain").
			Mark(ierr.ErrDatabase)
	}
	return books, nil
}

func (r *priceBookRepository) Get(ctx context.Context, id string) (*pricebook.PriceBook, error) {
	var book pricebook.PriceBook
	err := r.db.GetQuerier(ctx).GetContext(ctx, &book,
		`SELECT * FROM price_books WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("price book not found").
			WithReportableDetails(map[string]interface{}{"price_book_id": id}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to get price book").
			Mark(ierr.ErrDatabase)
	}
	return &book, nil
}

func (r *priceBookRepository) List(ctx context.Context) ([]*pricebook.PriceBook, error) {
	var books []*pricebook.PriceBook
	err := r.db.GetQuerier(ctx).SelectContext(ctx, &books,
		`SELECT * FROM price_books ORDER BY effective_from DESC`)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list price books").
			Mark(ierr.ErrDatabase)
	}
	return books, nil
}

// GetEffective returns the newest book covering the instant
func (r *priceBookRepository) GetEffective(ctx context.Context, at time.Time) (*pricebook.PriceBook, error) {
	var book pricebook.PriceBook
	err := r.db.GetQuerier(ctx).GetContext(ctx, &book, `
		SELECT * FROM price_books
		WHERE effective_from <= $1
		AND (effective_until IS NULL OR effective_until > $1)
		ORDER BY effective_from DESC
		LIMIT 1`, at.UTC())
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("no price book effective at this date").
			WithHint("Create a price book covering the requested effective date").
			WithReportableDetails(map[string]interface{}{"effective_date": at}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to resolve effective price book").
			Mark(ierr.ErrDatabase)
	}
	return &book, nil
}

func (r *priceBookRepository) CreateRule(ctx context.Context, rule *pricebook.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO price_rules (
			id, price_book_id, metric_type, pricing_model, tiers, unit,
			created_at, updated_at
		) VALUES (
			:id, :price_book_id, :metric_type, :pricing_model, :tiers, :unit,
			:created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to insert price rule").
			WithReportableDetails(map[string]interface{}{
				"price_book_id": rule.PriceBookID,
				"metric_type":   rule.MetricType,
			}).
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *priceBookRepository) GetRule(ctx context.Context, priceBookID string, metric types.MetricType) (*pricebook.Rule, error) {
	var rule pricebook.Rule
	err := r.db.GetQuerier(ctx).GetContext(ctx, &rule, `
		SELECT * FROM price_rules
		WHERE price_book_id = $1
		AND metric_type = $2`, priceBookID, metric)
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("no price rule for metric").
			WithHint("The effective price book does not price this metric").
			WithReportableDetails(map[string]interface{}{
				"price_book_id": priceBookID,
				"metric_type":   metric,
			}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to get price rule").
			Mark(ierr.ErrDatabase)
	}
	return &rule, nil
}
