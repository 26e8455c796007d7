package http

import (
	"fmt"
	"net/http"
	"strconv"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	contributionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body allocateBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	by, err := createdBy(body.CreatedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reqs, err := body.requests()
	if err != nil {
		writeError(w, r, err)
		return
	}

	batch, err := s.service.Allocate(r.Context(), contributionID, reqs, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusCreated, newBatchResponse(batch.ID, batch.Nodes))
}

func (s *Server) handleResplit(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body splitBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	by, err := createdBy(body.CreatedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reqs, err := body.requests()
	if err != nil {
		writeError(w, r, err)
		return
	}

	batch, err := s.service.Resplit(r.Context(), nodeID, reqs, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusCreated, newBatchResponse(batch.ID, batch.Nodes))
}

func (s *Server) handleContributionNodes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	views, err := s.engine.Nodes(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]nodeResponse, len(views))
	for i, v := range views {
		out[i] = newNodeViewResponse(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContributionTotals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	totals, err := s.engine.ContributionTotals(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTotalsResponse(totals))
}

func (s *Server) handleProjectTotals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	totals, err := s.engine.ProjectSubtreeTotals(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTotalsResponse(totals))
}

func (s *Server) handleRemaining(kind allocation.TargetKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err)
			return
		}
		remaining, err := s.engine.Remaining(r.Context(), allocation.Target{Kind: kind, ID: id})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, remainingResponse{Kind: kind, ID: id, Remaining: remaining.String()})
	}
}

func (s *Server) handleSegmentationTotals(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	totals, err := s.segmentCache.GetOrLoad(scopeKey(scope), func() ([]core.SegmentationTotal, error) {
		return s.engine.SegmentationTotals(r.Context(), scope)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSegmentationResponses(totals))
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	offers, err := s.targetCache.GetOrLoad("roots", func() ([]allocation.Offer, error) {
		return s.engine.AvailableTargets(r.Context())
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferResponses(offers))
}

func (s *Server) handleSubProjectTargets(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := "children|" + strconv.FormatInt(id, 10)
	offers, err := s.targetCache.GetOrLoad(key, func() ([]allocation.Offer, error) {
		return s.engine.AvailableSubProjects(r.Context(), id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferResponses(offers))
}

func (s *Server) handleFundingReport(w http.ResponseWriter, r *http.Request) {
	rows, err := s.fundingCache.GetOrLoad("funding", func() ([]core.ProjectFunding, error) {
		rows, err := s.engine.FundingReport(r.Context())
		if err != nil {
			return nil, fmt.Errorf("funding report: %w", err)
		}
		return rows, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFundingResponses(rows))
}
