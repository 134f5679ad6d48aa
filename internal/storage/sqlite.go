package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskdist/internal/completion"
	"taskdist/internal/models"
	logx "taskdist/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which is what the gate relies on
	// inside a single process. Other processes are serialized by SQLite's
	// own locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) PutTemplate(ctx context.Context, t models.Template) (models.Template, error) {
	if t.ID == "" {
		return models.Template{}, fmt.Errorf("template id required")
	}
	var out models.Template
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var prev int64
		err := tx.QueryRowContext(ctx, `SELECT revision FROM templates WHERE id = ?`, t.ID).Scan(&prev)
		switch {
		case err == nil:
			t.Revision = prev + 1
		case errors.Is(err, sql.ErrNoRows):
			if t.Revision <= 0 {
				t.Revision = 1
			}
		default:
			return err
		}
		t.UpdatedAt = s.now().UTC()
		body, err := marshalTemplate(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO templates(id, revision, body, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET revision=excluded.revision, body=excluded.body, updated_at=excluded.updated_at`,
			t.ID, t.Revision, string(body), ms(t.UpdatedAt))
		if err != nil {
			return err
		}
		out, err = unmarshalTemplate(body)
		return err
	})
	return out, err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM templates WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Template{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Template{}, err
	}
	return unmarshalTemplate([]byte(body))
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Template
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := unmarshalTemplate([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetNextRunAt(ctx context.Context, templateID string, at *time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM templates WHERE id = ?`, templateID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("template %s: %w", templateID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var rec TemplateRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return err
		}
		if at != nil {
			v := at.UTC()
			at = &v
		}
		rec.NextRunAt = at
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE templates SET body = ? WHERE id = ?`, string(b), templateID)
		return err
	})
}

func (s *sqliteStore) Emit(ctx context.Context, e models.Emission) error {
	if err := validateEmission(e); err != nil {
		return err
	}
	key := e.Key.String()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var prevAttempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM occurrences WHERE key = ?`, key).Scan(&prevAttempts)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rec := models.OccurrenceRecord{
			Key: e.Key, State: models.OccurrenceEmitted, RunAt: e.RunAt,
			Detail:   fmt.Sprintf("%d task(s)", len(e.Tasks)),
			Attempts: prevAttempts + 1, At: s.now().UTC(),
		}
		if err := insertGate(ctx, tx, rec); err != nil {
			return err
		}
		if e.Cursor != nil {
			if err := casCursor(ctx, tx, *e.Cursor); err != nil {
				return err
			}
		}
		if e.Group != nil {
			if err := upsertGroup(ctx, tx, *e.Group); err != nil {
				return err
			}
		}
		for _, t := range e.Tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM occurrences WHERE key = ?`, key)
		return err
	})
}

func (s *sqliteStore) Resolve(ctx context.Context, rec models.OccurrenceRecord) error {
	if err := validateResolution(rec); err != nil {
		return err
	}
	key := rec.Key.String()
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var prev int
		err := tx.QueryRowContext(ctx, `SELECT attempts FROM occurrences WHERE key = ?`, key).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rec.Attempts += prev
		if err := insertGate(ctx, tx, rec); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM occurrences WHERE key = ?`, key)
		return err
	})
}

// insertGate is the atomic insert-if-absent.
func insertGate(ctx context.Context, q querier, rec models.OccurrenceRecord) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO emissions(key, template_id, rule_id, period_key, state, run_at, detail, attempts, at)
		 VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT(key) DO NOTHING`,
		rec.Key.String(), rec.Key.TemplateID, rec.Key.RuleID, rec.Key.PeriodKey,
		string(rec.State), ms(rec.RunAt), nullStr(rec.Detail), rec.Attempts, ms(rec.At))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDuplicateEmission
	}
	return nil
}

// casCursor stores cur with Version+1 only if the stored version still
// equals cur.Version.
func casCursor(ctx context.Context, q querier, cur models.CursorState) error {
	var res sql.Result
	var err error
	if cur.Version == 0 {
		res, err = q.ExecContext(ctx,
			`INSERT INTO cursors(pair_key, position, version) VALUES(?,?,1) ON CONFLICT(pair_key) DO NOTHING`,
			cur.PairKey, cur.Position)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE cursors SET position = ?, version = version + 1 WHERE pair_key = ? AND version = ?`,
			cur.Position, cur.PairKey, cur.Version)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrCursorConflict
	}
	return nil
}

func (s *sqliteStore) Outcome(ctx context.Context, key models.EmissionKey) (models.OccurrenceRecord, bool, error) {
	rec, err := scanOccurrence(s.db.QueryRowContext(ctx,
		`SELECT template_id, rule_id, period_key, state, run_at, detail, attempts, at FROM emissions WHERE key = ?`, key.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.OccurrenceRecord{}, false, nil
	}
	if err != nil {
		return models.OccurrenceRecord{}, false, err
	}
	tasks, err := s.tasksOf(ctx, s.db, key)
	if err != nil {
		return models.OccurrenceRecord{}, false, err
	}
	return deriveCompleted(rec, tasks), true, nil
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, rec models.OccurrenceRecord) (int, error) {
	if rec.State.Terminal() {
		return 0, fmt.Errorf("terminal state %s must go through the gate", rec.State)
	}
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	key := rec.Key.String()
	var n int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM emissions WHERE key = ?`, key).Scan(&exists)
		if err == nil {
			return models.ErrDuplicateEmission
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO occurrences(key, template_id, rule_id, period_key, state, run_at, detail, attempts, at)
			 VALUES(?,?,?,?,?,?,?,1,?)
			 ON CONFLICT(key) DO UPDATE SET state=excluded.state, run_at=excluded.run_at, detail=excluded.detail,
			   attempts=occurrences.attempts + 1, at=excluded.at`,
			key, rec.Key.TemplateID, rec.Key.RuleID, rec.Key.PeriodKey,
			string(rec.State), ms(rec.RunAt), nullStr(rec.Detail), ms(rec.At))
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT attempts FROM occurrences WHERE key = ?`, key).Scan(&n)
	})
	return n, err
}

func (s *sqliteStore) ListOccurrences(ctx context.Context, templateID string) ([]models.OccurrenceRecord, error) {
	var out []models.OccurrenceRecord
	for _, table := range []string{"emissions", "occurrences"} {
		q := `SELECT template_id, rule_id, period_key, state, run_at, detail, attempts, at FROM ` + table
		var args []any
		if templateID != "" {
			q += ` WHERE template_id = ?`
			args = append(args, templateID)
		}
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			rec, err := scanOccurrence(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	for i, rec := range out {
		if rec.State != models.OccurrenceEmitted {
			continue
		}
		tasks, err := s.tasksOf(ctx, s.db, rec.Key)
		if err != nil {
			return nil, err
		}
		out[i] = deriveCompleted(rec, tasks)
	}
	sortOccurrences(out)
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(r rowScanner) (models.OccurrenceRecord, error) {
	var rec models.OccurrenceRecord
	var state string
	var runAt, at int64
	var detail sql.NullString
	if err := r.Scan(&rec.Key.TemplateID, &rec.Key.RuleID, &rec.Key.PeriodKey, &state, &runAt, &detail, &rec.Attempts, &at); err != nil {
		return models.OccurrenceRecord{}, err
	}
	rec.State = models.OccurrenceState(state)
	rec.RunAt = fromMS(runAt)
	rec.At = fromMS(at)
	rec.Detail = detail.String
	return rec, nil
}

func (s *sqliteStore) Cursor(ctx context.Context, pairKey string) (models.CursorState, error) {
	cur := models.CursorState{PairKey: pairKey}
	err := s.db.QueryRowContext(ctx, `SELECT position, version FROM cursors WHERE pair_key = ?`, pairKey).Scan(&cur.Position, &cur.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	return cur, err
}

func (s *sqliteStore) Checkpoint(ctx context.Context, pairKey string) (time.Time, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM checkpoints WHERE pair_key = ?`, pairKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(v), true, nil
}

func (s *sqliteStore) SetCheckpoint(ctx context.Context, pairKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(pair_key, at) VALUES(?,?)
		 ON CONFLICT(pair_key) DO UPDATE SET at=excluded.at WHERE excluded.at > checkpoints.at`,
		pairKey, ms(at))
	return err
}

func (s *sqliteStore) PutHalt(ctx context.Context, h Halt) error {
	if h.At.IsZero() {
		h.At = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO halts(pair_key, template_id, rule_id, revision, reason, at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(pair_key) DO UPDATE SET template_id=excluded.template_id, rule_id=excluded.rule_id,
		   revision=excluded.revision, reason=excluded.reason, at=excluded.at`,
		h.PairKey, h.TemplateID, h.RuleID, h.Revision, h.Reason, ms(h.At))
	return err
}

func (s *sqliteStore) GetHalt(ctx context.Context, pairKey string) (Halt, bool, error) {
	h, err := scanHalt(s.db.QueryRowContext(ctx,
		`SELECT pair_key, template_id, rule_id, revision, reason, at FROM halts WHERE pair_key = ?`, pairKey))
	if errors.Is(err, sql.ErrNoRows) {
		return Halt{}, false, nil
	}
	if err != nil {
		return Halt{}, false, err
	}
	return h, true, nil
}

func (s *sqliteStore) ClearHalt(ctx context.Context, pairKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM halts WHERE pair_key = ?`, pairKey)
	return err
}

func (s *sqliteStore) ListHalts(ctx context.Context) ([]Halt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pair_key, template_id, rule_id, revision, reason, at FROM halts ORDER BY pair_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Halt
	for rows.Next() {
		h, err := scanHalt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHalt(r rowScanner) (Halt, error) {
	var h Halt
	var at int64
	if err := r.Scan(&h.PairKey, &h.TemplateID, &h.RuleID, &h.Revision, &h.Reason, &at); err != nil {
		return Halt{}, err
	}
	h.At = fromMS(at)
	return h, nil
}

func (s *sqliteStore) PendingCounts(ctx context.Context, userIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	args := []any{string(models.StatusPending)}
	marks := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		out[id] = 0
		args = append(args, id)
		marks = append(marks, "?")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT assignee_id, COUNT(*) FROM tasks WHERE status = ? AND assignee_id IN (`+strings.Join(marks, ",")+`) GROUP BY assignee_id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

const taskColumns = `id, template_id, rule_id, period_key, assignee_id, group_id, collection_point_id, commodity,
	task_type, priority, run_at, due_at, status, is_late, completed_by_proxy, completed_at, created_at`

func insertTask(ctx context.Context, q querier, t models.GeneratedTask) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TemplateID, t.RuleID, t.PeriodKey, t.AssigneeID, t.GroupID, t.CollectionPointID, t.Commodity,
		t.TaskType, t.Priority, ms(t.RunAt), ms(t.DueAt), string(t.Status), t.IsLate, t.CompletedByProxy,
		msPtr(t.CompletedAt), ms(t.CreatedAt))
	return err
}

func updateTask(ctx context.Context, q querier, t models.GeneratedTask) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_by_proxy = ?, completed_at = ? WHERE id = ?`,
		string(t.Status), t.CompletedByProxy, msPtr(t.CompletedAt), t.ID)
	return err
}

func scanTask(r rowScanner) (models.GeneratedTask, error) {
	var t models.GeneratedTask
	var status string
	var runAt, dueAt, createdAt int64
	var completedAt sql.NullInt64
	err := r.Scan(&t.ID, &t.TemplateID, &t.RuleID, &t.PeriodKey, &t.AssigneeID, &t.GroupID, &t.CollectionPointID, &t.Commodity,
		&t.TaskType, &t.Priority, &runAt, &dueAt, &status, &t.IsLate, &t.CompletedByProxy, &completedAt, &createdAt)
	if err != nil {
		return models.GeneratedTask{}, err
	}
	t.Status = models.TaskStatus(status)
	t.RunAt = fromMS(runAt)
	t.DueAt = fromMS(dueAt)
	t.CreatedAt = fromMS(createdAt)
	if completedAt.Valid {
		v := fromMS(completedAt.Int64)
		t.CompletedAt = &v
	}
	return t, nil
}

func queryTasks(ctx context.Context, q querier, where string, args ...any) ([]models.GeneratedTask, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.GeneratedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) tasksOf(ctx context.Context, q querier, key models.EmissionKey) ([]models.GeneratedTask, error) {
	return queryTasks(ctx, q, `WHERE template_id = ? AND rule_id = ? AND period_key = ?`, key.TemplateID, key.RuleID, key.PeriodKey)
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (models.GeneratedTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.GeneratedTask{}, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]models.GeneratedTask, error) {
	var conds []string
	var args []any
	if !f.From.IsZero() {
		conds = append(conds, "due_at >= ?")
		args = append(args, ms(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "due_at < ?")
		args = append(args, ms(f.To))
	}
	if f.TemplateID != "" {
		conds = append(conds, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if f.AssigneeID != "" {
		conds = append(conds, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	where += " ORDER BY due_at, id"
	if f.Limit > 0 {
		where += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return queryTasks(ctx, s.db, where, args...)
}

func upsertGroup(ctx context.Context, q querier, g models.TaskGroup) error {
	members, err := json.Marshal(nonNil(g.MemberAssigneeIDs))
	if err != nil {
		return err
	}
	done, err := json.Marshal(nonNil(g.CompletedMemberIDs))
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO task_groups(id, template_id, rule_id, period_key, policy, required_count, completed_count,
		   members, completed_members, shared, status, completed_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET completed_count=excluded.completed_count,
		   completed_members=excluded.completed_members, status=excluded.status, completed_at=excluded.completed_at`,
		g.ID, g.Key.TemplateID, g.Key.RuleID, g.Key.PeriodKey, string(g.Policy), g.RequiredCount, g.CompletedCount,
		string(members), string(done), g.Shared, string(g.Status), msPtr(g.CompletedAt), ms(g.CreatedAt))
	return err
}

func getGroup(ctx context.Context, q querier, id string) (models.TaskGroup, error) {
	var g models.TaskGroup
	var policy, status, members, done string
	var completedAt sql.NullInt64
	var createdAt int64
	err := q.QueryRowContext(ctx,
		`SELECT id, template_id, rule_id, period_key, policy, required_count, completed_count,
		   members, completed_members, shared, status, completed_at, created_at
		 FROM task_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Key.TemplateID, &g.Key.RuleID, &g.Key.PeriodKey, &policy, &g.RequiredCount, &g.CompletedCount,
			&members, &done, &g.Shared, &status, &completedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskGroup{}, fmt.Errorf("group %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.TaskGroup{}, err
	}
	g.Policy = models.CompletionPolicy(policy)
	g.Status = models.GroupStatus(status)
	g.CreatedAt = fromMS(createdAt)
	if completedAt.Valid {
		v := fromMS(completedAt.Int64)
		g.CompletedAt = &v
	}
	if err := json.Unmarshal([]byte(members), &g.MemberAssigneeIDs); err != nil {
		return models.TaskGroup{}, err
	}
	if err := json.Unmarshal([]byte(done), &g.CompletedMemberIDs); err != nil {
		return models.TaskGroup{}, err
	}
	return g, nil
}

func (s *sqliteStore) GetGroup(ctx context.Context, id string) (models.TaskGroup, error) {
	return getGroup(ctx, s.db, id)
}

func (s *sqliteStore) CompleteTask(ctx context.Context, taskID, userID string, at time.Time) (completion.Transition, error) {
	var tr completion.Transition
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var group *models.TaskGroup
		members := []models.GeneratedTask{task}
		if task.GroupID != "" {
			g, err := getGroup(ctx, tx, task.GroupID)
			if err != nil {
				return err
			}
			group = &g
			members, err = queryTasks(ctx, tx, `WHERE group_id = ? ORDER BY due_at, id`, task.GroupID)
			if err != nil {
				return err
			}
		}
		tr, err = completion.Apply(group, members, taskID, userID, at.UTC())
		if err != nil || !tr.Changed {
			return err
		}
		if tr.Group != nil {
			if err := upsertGroup(ctx, tx, *tr.Group); err != nil {
				return err
			}
		}
		for _, t := range tr.Tasks {
			if err := updateTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	return tr, err
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
