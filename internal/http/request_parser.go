package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
)

const maxBodyBytes = 64 << 10

var maxCents = decimal.NewFromInt(math.MaxInt64)

// errBadRequest marks malformed input, answered with 400 before the engine
// is involved.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type allocationItem struct {
	ProjectID    int64  `json:"project_id"`
	SubProjectID *int64 `json:"sub_project_id,omitempty"`
	Amount       string `json:"amount"`
}

type allocateBody struct {
	CreatedBy   string           `json:"created_by"`
	Allocations []allocationItem `json:"allocations"`
}

type splitItem struct {
	SubProjectID int64  `json:"sub_project_id"`
	Amount       string `json:"amount"`
}

type splitBody struct {
	CreatedBy string      `json:"created_by"`
	Splits    []splitItem `json:"splits"`
}

// pathID reads a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

// decodeJSON decodes a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

// parseAmount reads a euro amount such as "12.50". Zero and negative values
// are passed through so the engine reports them as domain errors.
func parseAmount(s string) (core.Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.Money{}, badRequest("missing amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return core.Money{}, badRequest("invalid amount %q", s)
	}
	if !d.Equal(d.Truncate(2)) {
		return core.Money{}, badRequest("amount %q has more than two decimals", s)
	}
	if d.Mul(decimal.NewFromInt(100)).Abs().GreaterThan(maxCents) {
		return core.Money{}, badRequest("amount %q is out of range", s)
	}
	return core.MoneyFromDecimal(d), nil
}

func createdBy(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", badRequest("missing created_by")
	}
	return s, nil
}

func (b allocateBody) requests() ([]allocation.Request, error) {
	reqs := make([]allocation.Request, 0, len(b.Allocations))
	for i, item := range b.Allocations {
		amount, err := parseAmount(item.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		reqs = append(reqs, allocation.Request{
			ProjectID:    item.ProjectID,
			SubProjectID: item.SubProjectID,
			Amount:       amount,
		})
	}
	return reqs, nil
}

func (b splitBody) requests() ([]allocation.SplitRequest, error) {
	reqs := make([]allocation.SplitRequest, 0, len(b.Splits))
	for i, item := range b.Splits {
		amount, err := parseAmount(item.Amount)
		if err != nil {
			return nil, fmt.Errorf("split %d: %w", i, err)
		}
		reqs = append(reqs, allocation.SplitRequest{SubProjectID: item.SubProjectID, Amount: amount})
	}
	return reqs, nil
}

// parseScope reads the optional owner ("individual:7") and contribution_id
// filters of segmentation totals.
func parseScope(r *http.Request) (allocation.Scope, error) {
	var scope allocation.Scope
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("owner")); v != "" {
		owner, err := core.ParseOwner(v)
		if err != nil {
			return scope, badRequest("invalid owner: %v", err)
		}
		scope.Owner = &owner
	}
	if v := strings.TrimSpace(q.Get("contribution_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return scope, badRequest("invalid contribution_id %q", v)
		}
		scope.ContributionID = &id
	}
	return scope, nil
}

func scopeKey(s allocation.Scope) string {
	var b strings.Builder
	b.WriteString("segmentations")
	if s.Owner != nil {
		b.WriteString("|owner=" + s.Owner.String())
	}
	if s.ContributionID != nil {
		b.WriteString("|contribution=" + strconv.FormatInt(*s.ContributionID, 10))
	}
	return b.String()
}
