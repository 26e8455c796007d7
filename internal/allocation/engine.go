// Package allocation implements the hierarchical contribution allocation
// engine: capacity resolution, CO2 conversion, allocation, re-splitting and
// leaf-only aggregation.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carbonsplit/internal/core"
	applog "carbonsplit/internal/log"
)

// Config tunes the engine.
type Config struct {
	MaxBatch         int
	TonnagePrecision int32
	Clock            func() time.Time
	Logger           *applog.Logger
}

// DefaultConfig mirrors the limits of the allocation form: up to ten
// allocations per submission and tonnage kept to the gram.
func DefaultConfig() Config {
	return Config{
		MaxBatch:         10,
		TonnagePrecision: 6,
		Clock:            time.Now,
	}
}

type Engine struct {
	store  Store
	prices PriceProvider
	tax    TaxHelper
	config Config
	logger *applog.Logger
}

func NewEngine(store Store, prices PriceProvider, tax TaxHelper, config Config) *Engine {
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultConfig().MaxBatch
	}
	if config.TonnagePrecision <= 0 {
		config.TonnagePrecision = DefaultConfig().TonnagePrecision
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = applog.FromDefault()
	}
	return &Engine{
		store:  store,
		prices: prices,
		tax:    tax,
		config: config,
		logger: logger.WithComponent(applog.ComponentAllocation),
	}
}

// runInTransaction retries a failed transaction once unless the failure is a
// domain rejection or the context is done. A second failure is reported as
// core.ErrPersistence.
func (e *Engine) runInTransaction(ctx context.Context, op string, fn func(tx Tx) error) error {
	err := e.store.RunInTransaction(ctx, fn)
	if err == nil || core.IsDomainError(err) || ctx.Err() != nil {
		return err
	}

	e.logger.WarnContext(ctx, "Transaction failed, retrying once",
		applog.FieldOperation, op,
		applog.FieldError, err)

	err = e.store.RunInTransaction(ctx, fn)
	if err == nil || core.IsDomainError(err) {
		return err
	}
	if errors.Is(err, core.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrPersistence, err)
}

func (e *Engine) view(ctx context.Context, op string, fn func(r Reader) error) error {
	if err := e.store.View(ctx, fn); err != nil {
		if core.IsDomainError(err) {
			return err
		}
		return fmt.Errorf("%s: %w: %w", op, core.ErrPersistence, err)
	}
	return nil
}
