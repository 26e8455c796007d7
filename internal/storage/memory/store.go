// Package memory provides an in-memory allocation store used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"
)

var (
	_ allocation.Store         = (*Store)(nil)
	_ allocation.PriceProvider = (*Store)(nil)
)

type state struct {
	contributions map[int64]core.Contribution
	projects      map[int64]core.Project
	segmentations map[int64]core.Segmentation
	nodes         map[int64]core.AllocationNode
	nextNodeID    int64
}

func newState() state {
	return state{
		contributions: make(map[int64]core.Contribution),
		projects:      make(map[int64]core.Project),
		segmentations: make(map[int64]core.Segmentation),
		nodes:         make(map[int64]core.AllocationNode),
		nextNodeID:    1,
	}
}

func (s state) clone() state {
	cp := state{
		contributions: make(map[int64]core.Contribution, len(s.contributions)),
		projects:      make(map[int64]core.Project, len(s.projects)),
		segmentations: make(map[int64]core.Segmentation, len(s.segmentations)),
		nodes:         make(map[int64]core.AllocationNode, len(s.nodes)),
		nextNodeID:    s.nextNodeID,
	}
	for k, v := range s.contributions {
		cp.contributions[k] = v
	}
	for k, v := range s.projects {
		cp.projects[k] = v
	}
	for k, v := range s.segmentations {
		cp.segmentations[k] = v
	}
	for k, v := range s.nodes {
		cp.nodes[k] = v
	}
	return cp
}

// Store keeps everything in maps. Transactions work on a clone of the state
// under the write lock and replace it on success, so they are serializable.
// Carbon prices sit behind their own lock so price updates never wait on a
// transaction.
type Store struct {
	mu    sync.RWMutex
	state state

	priceMu sync.RWMutex
	prices  map[int64]core.Money
}

func New() *Store {
	return &Store{state: newState(), prices: make(map[int64]core.Money)}
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx allocation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txn{view: view{st: s.state.clone()}}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

func (s *Store) View(ctx context.Context, fn func(r allocation.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(view{st: s.state})
}

// ActivePrice returns the tax-exclusive price set for the project.
func (s *Store) ActivePrice(_ context.Context, projectID int64) (core.Money, error) {
	s.priceMu.RLock()
	defer s.priceMu.RUnlock()
	p, ok := s.prices[projectID]
	if !ok {
		return core.Money{}, &core.PriceUnavailableError{ProjectID: projectID}
	}
	return p, nil
}

// SetPrice makes price the active tax-exclusive price of the project,
// replacing any previous one.
func (s *Store) SetPrice(_ context.Context, projectID int64, price core.Money) error {
	if price.Cents < 0 {
		return fmt.Errorf("project %d: negative carbon price", projectID)
	}
	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	s.prices[projectID] = price
	return nil
}

func (s *Store) ClearPrice(_ context.Context, projectID int64) error {
	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	delete(s.prices, projectID)
	return nil
}

func (s *Store) AddContribution(_ context.Context, c core.Contribution) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("contribution %d: %w", c.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.contributions[c.ID]; ok {
		return fmt.Errorf("contribution %d already exists", c.ID)
	}
	s.state.contributions[c.ID] = c
	return nil
}

// AddProject registers a project. Its parent, when set, must already exist.
func (s *Store) AddProject(_ context.Context, p core.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("project %d: %w", p.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.projects[p.ID]; ok {
		return fmt.Errorf("project %d already exists", p.ID)
	}
	if p.ParentID != nil {
		if _, ok := s.state.projects[*p.ParentID]; !ok {
			return fmt.Errorf("project %d: parent %d: %w", p.ID, *p.ParentID, core.ErrNotFound)
		}
	}
	s.state.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *Store) AddSegmentation(_ context.Context, seg core.Segmentation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.segmentations[seg.ID]; ok {
		return fmt.Errorf("segmentation %d already exists", seg.ID)
	}
	s.state.segmentations[seg.ID] = seg
	return nil
}

// Nodes returns every stored allocation node ordered by id.
func (s *Store) Nodes() []core.AllocationNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.AllocationNode, 0, len(s.state.nodes))
	for _, n := range s.state.nodes {
		out = append(out, cloneNode(n))
	}
	sortNodes(out)
	return out
}

type view struct {
	st state
}

func (v view) Contribution(_ context.Context, id int64) (core.Contribution, error) {
	c, ok := v.st.contributions[id]
	if !ok {
		return core.Contribution{}, &core.NotFoundError{Entity: "contribution", ID: id}
	}
	return c, nil
}

func (v view) Project(_ context.Context, id int64) (core.Project, error) {
	p, ok := v.st.projects[id]
	if !ok {
		return core.Project{}, &core.NotFoundError{Entity: "project", ID: id}
	}
	return cloneProject(p), nil
}

func (v view) ChildProjects(_ context.Context, projectID int64) ([]core.Project, error) {
	var out []core.Project
	for _, p := range v.st.projects {
		if p.IsChildOf(projectID) {
			out = append(out, cloneProject(p))
		}
	}
	sortProjects(out)
	return out, nil
}

func (v view) RootProjects(_ context.Context) ([]core.Project, error) {
	var out []core.Project
	for _, p := range v.st.projects {
		if p.IsRoot() {
			out = append(out, cloneProject(p))
		}
	}
	sortProjects(out)
	return out, nil
}

func (v view) Segmentation(_ context.Context, id int64) (core.Segmentation, error) {
	seg, ok := v.st.segmentations[id]
	if !ok {
		return core.Segmentation{}, &core.NotFoundError{Entity: "segmentation", ID: id}
	}
	return seg, nil
}

func (v view) Node(_ context.Context, id int64) (core.AllocationNode, error) {
	n, ok := v.st.nodes[id]
	if !ok {
		return core.AllocationNode{}, &core.NotFoundError{Entity: "allocation", ID: id}
	}
	return cloneNode(n), nil
}

func (v view) ChildNodes(_ context.Context, nodeID int64) ([]core.AllocationNode, error) {
	var out []core.AllocationNode
	for _, n := range v.st.nodes {
		if n.ParentID != nil && *n.ParentID == nodeID {
			out = append(out, cloneNode(n))
		}
	}
	sortNodes(out)
	return out, nil
}

func (v view) NodesByContribution(_ context.Context, contributionID int64) ([]core.AllocationNode, error) {
	var out []core.AllocationNode
	for _, n := range v.st.nodes {
		if n.ContributionID == contributionID {
			out = append(out, cloneNode(n))
		}
	}
	sortNodes(out)
	return out, nil
}

func (v view) LeafNodes(_ context.Context, filter allocation.LeafFilter) ([]core.AllocationNode, error) {
	parents := make(map[int64]bool)
	for _, n := range v.st.nodes {
		if n.ParentID != nil {
			parents[*n.ParentID] = true
		}
	}
	var projects map[int64]bool
	if filter.ProjectIDs != nil {
		projects = make(map[int64]bool, len(filter.ProjectIDs))
		for _, id := range filter.ProjectIDs {
			projects[id] = true
		}
	}

	var out []core.AllocationNode
	for _, n := range v.st.nodes {
		if parents[n.ID] {
			continue
		}
		if filter.ContributionID != nil && n.ContributionID != *filter.ContributionID {
			continue
		}
		if projects != nil && !projects[n.ProjectID] {
			continue
		}
		if filter.Owner != nil {
			c, ok := v.st.contributions[n.ContributionID]
			if !ok || c.Owner != *filter.Owner {
				continue
			}
		}
		out = append(out, cloneNode(n))
	}
	sortNodes(out)
	return out, nil
}

type txn struct {
	view
}

func (t *txn) InsertNode(_ context.Context, n core.AllocationNode) (core.AllocationNode, error) {
	if _, ok := t.st.contributions[n.ContributionID]; !ok {
		return core.AllocationNode{}, &core.NotFoundError{Entity: "contribution", ID: n.ContributionID}
	}
	if _, ok := t.st.projects[n.ProjectID]; !ok {
		return core.AllocationNode{}, &core.NotFoundError{Entity: "project", ID: n.ProjectID}
	}
	if n.ParentID != nil {
		if _, ok := t.st.nodes[*n.ParentID]; !ok {
			return core.AllocationNode{}, &core.NotFoundError{Entity: "allocation", ID: *n.ParentID}
		}
	}
	n.ID = t.st.nextNodeID
	t.st.nextNodeID++
	t.st.nodes[n.ID] = cloneNode(n)
	return n, nil
}

func cloneProject(p core.Project) core.Project {
	if p.ParentID != nil {
		p.ParentID = core.IDPtr(*p.ParentID)
	}
	if p.Budget != nil {
		p.Budget = core.MoneyPtr(*p.Budget)
	}
	if p.SubBudget != nil {
		p.SubBudget = core.MoneyPtr(*p.SubBudget)
	}
	if p.SegmentationID != nil {
		p.SegmentationID = core.IDPtr(*p.SegmentationID)
	}
	return p
}

func cloneNode(n core.AllocationNode) core.AllocationNode {
	if n.ParentID != nil {
		n.ParentID = core.IDPtr(*n.ParentID)
	}
	return n
}

func sortProjects(ps []core.Project) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func sortNodes(ns []core.AllocationNode) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
}
