package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
	"carbonsplit/internal/log"
)

type nodeResponse struct {
	ID               int64           `json:"id"`
	ContributionID   int64           `json:"contribution_id"`
	ProjectID        int64           `json:"project_id"`
	ParentID         *int64          `json:"parent_id,omitempty"`
	Amount           string          `json:"amount"`
	Tonnage          decimal.Decimal `json:"tonnage"`
	PriceTTC         string          `json:"carbon_price_ttc"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	Leaf             *bool           `json:"leaf,omitempty"`
	AllocatedToSplit string          `json:"allocated_to_split,omitempty"`
	RemainingToSplit string          `json:"remaining_to_split,omitempty"`
}

type batchResponse struct {
	BatchID string         `json:"batch_id"`
	Nodes   []nodeResponse `json:"nodes"`
}

type totalsResponse struct {
	Amount  string          `json:"amount"`
	Tonnage decimal.Decimal `json:"tonnage"`
	Leaves  int             `json:"leaves"`
}

type segmentationResponse struct {
	Bucket         string `json:"bucket"`
	SegmentationID *int64 `json:"segmentation_id"`
	Name           string `json:"name"`
	ChartColor     string `json:"chart_color,omitempty"`
	totalsResponse
}

type offerResponse struct {
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	ParentID      *int64 `json:"parent_id,omitempty"`
	Remaining     string `json:"remaining"`
	ChildProjects int    `json:"child_projects"`
}

type fundingResponse struct {
	ProjectID     int64           `json:"project_id"`
	Name          string          `json:"name"`
	Segmentation  string          `json:"segmentation"`
	Budget        *string         `json:"budget"`
	Funded        string          `json:"funded"`
	FundedPercent decimal.Decimal `json:"funded_percent"`
	Tonnage       decimal.Decimal `json:"tonnage"`
	ActivePriceHT *string         `json:"carbon_price_ht"`
	ChildProjects int             `json:"child_projects"`
}

type remainingResponse struct {
	Kind      allocation.TargetKind `json:"kind"`
	ID        int64                 `json:"id"`
	Remaining string                `json:"remaining"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Boundary  string `json:"boundary,omitempty"`
	TargetID  int64  `json:"target_id,omitempty"`
	Remaining string `json:"remaining,omitempty"`
	Requested string `json:"requested,omitempty"`
}

func newNodeResponse(n core.AllocationNode) nodeResponse {
	return nodeResponse{
		ID:             n.ID,
		ContributionID: n.ContributionID,
		ProjectID:      n.ProjectID,
		ParentID:       n.ParentID,
		Amount:         n.Amount.String(),
		Tonnage:        n.Tonnage,
		PriceTTC:       n.PriceTTC.String(),
		CreatedBy:      n.CreatedBy,
		CreatedAt:      n.CreatedAt,
	}
}

func newNodeViewResponse(v core.NodeView) nodeResponse {
	resp := newNodeResponse(v.AllocationNode)
	leaf := v.IsLeaf()
	resp.Leaf = &leaf
	resp.AllocatedToSplit = v.AllocatedToSplit.String()
	resp.RemainingToSplit = v.RemainingToSplit.String()
	return resp
}

func newBatchResponse(id string, nodes []core.AllocationNode) batchResponse {
	out := batchResponse{BatchID: id, Nodes: make([]nodeResponse, len(nodes))}
	for i, n := range nodes {
		out.Nodes[i] = newNodeResponse(n)
	}
	return out
}

func newTotalsResponse(t core.Totals) totalsResponse {
	return totalsResponse{Amount: t.Amount.String(), Tonnage: t.Tonnage, Leaves: t.Leaves}
}

func newSegmentationResponses(in []core.SegmentationTotal) []segmentationResponse {
	out := make([]segmentationResponse, len(in))
	for i, s := range in {
		out[i] = segmentationResponse{
			Bucket:         s.Bucket,
			SegmentationID: s.SegmentationID,
			Name:           s.Name,
			ChartColor:     s.ChartColor,
			totalsResponse: newTotalsResponse(s.Totals),
		}
	}
	return out
}

func newOfferResponses(in []allocation.Offer) []offerResponse {
	out := make([]offerResponse, len(in))
	for i, o := range in {
		out[i] = offerResponse{
			ProjectID:     o.Project.ID,
			Name:          o.Project.Name,
			ParentID:      o.Project.ParentID,
			Remaining:     o.Remaining.String(),
			ChildProjects: o.ChildProjects,
		}
	}
	return out
}

func newFundingResponses(in []core.ProjectFunding) []fundingResponse {
	out := make([]fundingResponse, len(in))
	for i, f := range in {
		out[i] = fundingResponse{
			ProjectID:     f.ProjectID,
			Name:          f.Name,
			Segmentation:  f.SegmentationName,
			Budget:        moneyString(f.Budget),
			Funded:        f.Funded.String(),
			FundedPercent: f.FundedPercent,
			Tonnage:       f.Tonnage,
			ActivePriceHT: moneyString(f.ActivePriceHT),
			ChildProjects: f.ChildProjects,
		}
	}
	return out
}

func moneyString(m *core.Money) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromDefault().WithComponent(log.ComponentHTTP).Error("Failed to encode response", log.FieldError, err)
	}
}

// statusFor maps an error to its HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrInsufficientCapacity):
		return http.StatusUnprocessableEntity, "insufficient_capacity"
	case errors.Is(err, core.ErrAmountMustBePositive), errors.Is(err, core.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "amount_must_be_positive"
	case errors.Is(err, core.ErrPriceUnavailable):
		return http.StatusUnprocessableEntity, "price_unavailable"
	case errors.Is(err, core.ErrInvalidTarget):
		return http.StatusUnprocessableEntity, "invalid_target"
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError answers with the mapped status. Internal failures are logged and
// their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var capErr *core.InsufficientCapacityError
	if errors.As(err, &capErr) {
		resp.Boundary = string(capErr.Boundary)
		resp.TargetID = capErr.TargetID
		resp.Remaining = capErr.Remaining.String()
		resp.Requested = capErr.Requested.String()
	}

	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).WithComponent(log.ComponentHTTP).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeInternal)
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}
