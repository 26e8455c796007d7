package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/core"

	_ "modernc.org/sqlite"
)

var (
	_ allocation.Store         = (*SQLiteRepository)(nil)
	_ allocation.PriceProvider = (*SQLiteRepository)(nil)
)

type SQLiteRepository struct {
	db *sql.DB
}

func dsn(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, transactions never nest

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunInTransaction pins one connection and opens it with BEGIN IMMEDIATE so
// the write lock is held before the first capacity read.
func (r *SQLiteRepository) RunInTransaction(ctx context.Context, fn func(tx allocation.Tx) error) error {
	return r.withConn(ctx, "BEGIN IMMEDIATE", func(conn *sql.Conn) error {
		return fn(&sqliteTx{sqliteReader{q: conn}})
	})
}

// View runs fn inside a deferred transaction, which in WAL mode reads from a
// single snapshot without blocking writers.
func (r *SQLiteRepository) View(ctx context.Context, fn func(r allocation.Reader) error) error {
	return r.withConn(ctx, "BEGIN", func(conn *sql.Conn) error {
		return fn(sqliteReader{q: conn})
	})
}

func (r *SQLiteRepository) withConn(ctx context.Context, begin string, fn func(conn *sql.Conn) error) (err error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, begin); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		// The caller's context may be done already.
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(conn); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ActivePrice returns the active tax-exclusive carbon price of a project.
func (r *SQLiteRepository) ActivePrice(ctx context.Context, projectID int64) (core.Money, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx,
		`SELECT price_ht_cents FROM carbon_prices WHERE project_id = ? AND is_active = 1`,
		projectID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Money{}, &core.PriceUnavailableError{ProjectID: projectID}
	}
	if err != nil {
		return core.Money{}, fmt.Errorf("get active price: %w", err)
	}
	return core.Money{Cents: cents}, nil
}

// SetPrice deactivates the current price of the project and activates price.
func (r *SQLiteRepository) SetPrice(ctx context.Context, projectID int64, price core.Money) error {
	if price.Cents < 0 {
		return fmt.Errorf("project %d: negative carbon price", projectID)
	}
	return r.withConn(ctx, "BEGIN IMMEDIATE", func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`UPDATE carbon_prices SET is_active = 0 WHERE project_id = ? AND is_active = 1`, projectID); err != nil {
			return fmt.Errorf("deactivate price: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO carbon_prices (project_id, price_ht_cents) VALUES (?, ?)`, projectID, price.Cents); err != nil {
			return fmt.Errorf("insert price: %w", err)
		}
		return nil
	})
}

// ClearPrice leaves the project without an active price.
func (r *SQLiteRepository) ClearPrice(ctx context.Context, projectID int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE carbon_prices SET is_active = 0 WHERE project_id = ? AND is_active = 1`, projectID); err != nil {
		return fmt.Errorf("clear price: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AddContribution(ctx context.Context, c core.Contribution) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("contribution %d: %w", c.ID, err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contributions (id, amount_cents, owner_kind, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Amount.Cents, string(c.Owner.Kind), c.Owner.ID, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert contribution %d: %w", c.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) AddProject(ctx context.Context, p core.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("project %d: %w", p.ID, err)
	}
	if p.ParentID != nil {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, *p.ParentID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("project %d: parent %d: %w", p.ID, *p.ParentID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check parent project: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, parent_id, cost_global_ttc_cents, amount_wanted_ttc_cents, segmentation_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullID(p.ParentID), nullMoney(p.Budget), nullMoney(p.SubBudget), nullID(p.SegmentationID))
	if err != nil {
		return fmt.Errorf("insert project %d: %w", p.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) AddSegmentation(ctx context.Context, s core.Segmentation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO segmentations (id, name, chart_color) VALUES (?, ?, ?)`, s.ID, s.Name, s.ChartColor)
	if err != nil {
		return fmt.Errorf("insert segmentation %d: %w", s.ID, err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteReader struct {
	q querier
}

const projectColumns = `id, name, parent_id, cost_global_ttc_cents, amount_wanted_ttc_cents, segmentation_id`

const nodeColumns = `n.id, n.contribution_id, n.project_id, n.parent_id, n.amount_cents, n.tonnage,
	n.price_ttc_cents, n.split_by, n.created_at`

func (s sqliteReader) Contribution(ctx context.Context, id int64) (core.Contribution, error) {
	var (
		c         core.Contribution
		kind      string
		createdAt string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, amount_cents, owner_kind, owner_id, created_at FROM contributions WHERE id = ?`, id).
		Scan(&c.ID, &c.Amount.Cents, &kind, &c.Owner.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Contribution{}, &core.NotFoundError{Entity: "contribution", ID: id}
	}
	if err != nil {
		return core.Contribution{}, fmt.Errorf("get contribution: %w", err)
	}
	c.Owner.Kind = core.OwnerKind(kind)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Contribution{}, err
	}
	return c, nil
}

func (s sqliteReader) Project(ctx context.Context, id int64) (core.Project, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err != nil {
		return core.Project{}, fmt.Errorf("get project: %w", err)
	}
	projects, err := scanProjects(rows)
	if err != nil {
		return core.Project{}, err
	}
	if len(projects) == 0 {
		return core.Project{}, &core.NotFoundError{Entity: "project", ID: id}
	}
	return projects[0], nil
}

func (s sqliteReader) ChildProjects(ctx context.Context, projectID int64) ([]core.Project, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE parent_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list child projects: %w", err)
	}
	return scanProjects(rows)
}

func (s sqliteReader) RootProjects(ctx context.Context) ([]core.Project, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE parent_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list root projects: %w", err)
	}
	return scanProjects(rows)
}

func (s sqliteReader) Segmentation(ctx context.Context, id int64) (core.Segmentation, error) {
	var seg core.Segmentation
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, chart_color FROM segmentations WHERE id = ?`, id).
		Scan(&seg.ID, &seg.Name, &seg.ChartColor)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Segmentation{}, &core.NotFoundError{Entity: "segmentation", ID: id}
	}
	if err != nil {
		return core.Segmentation{}, fmt.Errorf("get segmentation: %w", err)
	}
	return seg, nil
}

func (s sqliteReader) Node(ctx context.Context, id int64) (core.AllocationNode, error) {
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM allocation_nodes n WHERE n.id = ?`, id)
	if err != nil {
		return core.AllocationNode{}, err
	}
	if len(nodes) == 0 {
		return core.AllocationNode{}, &core.NotFoundError{Entity: "allocation", ID: id}
	}
	return nodes[0], nil
}

func (s sqliteReader) ChildNodes(ctx context.Context, nodeID int64) ([]core.AllocationNode, error) {
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM allocation_nodes n WHERE n.parent_id = ? ORDER BY n.id`, nodeID)
}

func (s sqliteReader) NodesByContribution(ctx context.Context, contributionID int64) ([]core.AllocationNode, error) {
	return s.queryNodes(ctx,
		`SELECT `+nodeColumns+` FROM allocation_nodes n WHERE n.contribution_id = ? ORDER BY n.id`, contributionID)
}

// LeafNodes decides leaf status in the query itself: a node is a leaf when no
// other node names it as parent.
func (s sqliteReader) LeafNodes(ctx context.Context, filter allocation.LeafFilter) ([]core.AllocationNode, error) {
	if filter.ProjectIDs != nil && len(filter.ProjectIDs) == 0 {
		return nil, nil
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + nodeColumns + ` FROM allocation_nodes n`)
	if filter.Owner != nil {
		query.WriteString(` JOIN contributions c ON c.id = n.contribution_id`)
	}
	query.WriteString(` WHERE NOT EXISTS (SELECT 1 FROM allocation_nodes ch WHERE ch.parent_id = n.id)`)
	if filter.ContributionID != nil {
		query.WriteString(` AND n.contribution_id = ?`)
		args = append(args, *filter.ContributionID)
	}
	if filter.Owner != nil {
		query.WriteString(` AND c.owner_kind = ? AND c.owner_id = ?`)
		args = append(args, string(filter.Owner.Kind), filter.Owner.ID)
	}
	if len(filter.ProjectIDs) > 0 {
		query.WriteString(` AND n.project_id IN (?` + strings.Repeat(`, ?`, len(filter.ProjectIDs)-1) + `)`)
		for _, id := range filter.ProjectIDs {
			args = append(args, id)
		}
	}
	query.WriteString(` ORDER BY n.id`)

	return s.queryNodes(ctx, query.String(), args...)
}

func (s sqliteReader) queryNodes(ctx context.Context, query string, args ...any) ([]core.AllocationNode, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var nodes []core.AllocationNode
	for rows.Next() {
		var (
			n         core.AllocationNode
			parentID  sql.NullInt64
			tonnage   string
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.ContributionID, &n.ProjectID, &parentID, &n.Amount.Cents,
			&tonnage, &n.PriceTTC.Cents, &n.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if parentID.Valid {
			n.ParentID = core.IDPtr(parentID.Int64)
		}
		if n.Tonnage, err = decimal.NewFromString(tonnage); err != nil {
			return nil, fmt.Errorf("allocation %d: parse tonnage %q: %w", n.ID, tonnage, err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return nodes, nil
}

type sqliteTx struct {
	sqliteReader
}

func (t *sqliteTx) InsertNode(ctx context.Context, n core.AllocationNode) (core.AllocationNode, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO allocation_nodes
		 (contribution_id, project_id, parent_id, amount_cents, tonnage, price_ttc_cents, split_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ContributionID, n.ProjectID, nullID(n.ParentID), n.Amount.Cents, n.Tonnage.String(),
		n.PriceTTC.Cents, n.CreatedBy, formatTime(n.CreatedAt))
	if err != nil {
		return core.AllocationNode{}, fmt.Errorf("insert allocation: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return core.AllocationNode{}, fmt.Errorf("read allocation id: %w", err)
	}
	return n, nil
}

func scanProjects(rows *sql.Rows) ([]core.Project, error) {
	defer rows.Close()
	var projects []core.Project
	for rows.Next() {
		var (
			p                      core.Project
			parentID, segID        sql.NullInt64
			budgetCents, subBudget sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Name, &parentID, &budgetCents, &subBudget, &segID); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if parentID.Valid {
			p.ParentID = core.IDPtr(parentID.Int64)
		}
		if budgetCents.Valid {
			p.Budget = &core.Money{Cents: budgetCents.Int64}
		}
		if subBudget.Valid {
			p.SubBudget = &core.Money{Cents: subBudget.Int64}
		}
		if segID.Valid {
			p.SegmentationID = core.IDPtr(segID.Int64)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func nullMoney(m *core.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: m.Cents, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
