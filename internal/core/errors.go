package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")

	ErrAmountMustBePositive = errors.New("allocation amount must be positive")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrPriceUnavailable     = errors.New("carbon price unavailable")
	ErrInvalidTarget        = errors.New("invalid allocation target")
	ErrInvalidRequest       = errors.New("invalid allocation request")
	ErrNotFound             = errors.New("not found")
	ErrPersistence          = errors.New("persistence failure")
)

// Boundary names the capacity limit an allocation was checked against.
type Boundary string

const (
	BoundaryContribution     Boundary = "contribution"
	BoundaryProjectBudget    Boundary = "project_budget"
	BoundarySubProjectBudget Boundary = "sub_project_budget"
	BoundaryParentAllocation Boundary = "parent_allocation"
)

// InsufficientCapacityError reports which boundary rejected an amount and how
// much was still available there.
type InsufficientCapacityError struct {
	Boundary  Boundary
	TargetID  int64
	Remaining Money
	Requested Money
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity at %s %d: requested %s, remaining %s",
		e.Boundary, e.TargetID, e.Requested, e.Remaining)
}

func (e *InsufficientCapacityError) Unwrap() error {
	return ErrInsufficientCapacity
}

// InvalidTargetError explains why a project cannot receive an allocation.
type InvalidTargetError struct {
	ProjectID int64
	Reason    string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid allocation target %d: %s", e.ProjectID, e.Reason)
}

func (e *InvalidTargetError) Unwrap() error {
	return ErrInvalidTarget
}

// PriceUnavailableError carries the project that has no usable carbon price.
type PriceUnavailableError struct {
	ProjectID int64
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("no active carbon price for project %d", e.ProjectID)
}

func (e *PriceUnavailableError) Unwrap() error {
	return ErrPriceUnavailable
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsDomainError reports whether err is a validation outcome the caller can
// surface to the user, as opposed to an infrastructure failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrAmountMustBePositive) ||
		errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrPriceUnavailable) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidAmount)
}
