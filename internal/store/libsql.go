package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	prepareWorkflow(wf)
	def, err := xjson.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, revision_id, user_id, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, revision_id=excluded.revision_id, user_id=excluded.user_id,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.RevisionID, nullStr(wf.UserID), string(def), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return storeErr("save workflow", err)
	}
	// Report the original creation time back to the caller on updates.
	_ = s.db.QueryRowContext(ctx, `SELECT created_at FROM workflows WHERE id = ?`, wf.ID).Scan(&wf.CreatedAt)
	return nil
}

const workflowColumns = `id, name, revision_id, user_id, definition, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var userID sql.NullString
	var defJSON string
	if err := sc.Scan(&wf.ID, &wf.Name, &wf.RevisionID, &userID, &defJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.UserID = userID.String
	if err := xjson.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	prepareRun(run)
	def, err := xjson.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	payload, err := nullableMap(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger_payload: %w", err)
	}
	meta, err := nullableMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, revision_id, user_id, status, definition, trigger_payload, error, metadata, started_at, started_ms, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.RevisionID, nullStr(run.UserID), string(run.Status), string(def),
		payload, nullStr(run.Error), meta, run.StartedAt, run.StartedAt.UnixMilli(), nullTime(run.FinishedAt), run.UpdatedAt,
	)
	if err != nil {
		return storeErr("create run", err)
	}
	return nil
}

const runColumns = `id, workflow_id, revision_id, user_id, status, definition, trigger_payload, error, metadata, started_at, finished_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.Metadata != nil {
		meta, err := xjson.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(meta))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, storeErr("transition run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if !filter.StartedFrom.IsZero() {
		where = append(where, "started_ms >= ?")
		args = append(args, filter.StartedFrom.UnixMilli())
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_ms < ?")
		args = append(args, filter.StartedBefore.UnixMilli())
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_ms DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var (
		userID, payload, errMsg, meta sql.NullString
		status, defJSON               string
		finishedAt                    sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.WorkflowID, &r.RevisionID, &userID, &status, &defJSON,
		&payload, &errMsg, &meta, &r.StartedAt, &finishedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.UserID = userID.String
	r.Status = schema.RunStatus(status)
	r.Error = errMsg.String
	if err := xjson.Unmarshal([]byte(defJSON), &r.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	r.TriggerPayload = mapOrNil(payload)
	r.Metadata = mapOrNil(meta)
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

// --- Node executions ---

func (s *LibSQLStore) AppendNodeExecution(ctx context.Context, rec *NodeExecution) error {
	prepareNodeExecution(rec)
	input, err := nullableMap(rec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := nullableMap(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, run_id, node_id, node_type, attempt, status, input, output, message, error, error_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.NodeID, rec.NodeType, rec.Attempt, string(rec.Status),
		input, output, nullStr(rec.Message), nullStr(rec.Error), nullStr(rec.ErrorCode),
		rec.DurationMs, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storeErr("append node execution", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		rec.Seq = seq
	}
	return nil
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, runID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, run_id, node_id, node_type, attempt, status, input, output, message, error, error_code, duration_ms, created_at
		 FROM node_executions WHERE run_id = ? ORDER BY created_at ASC, seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		rec := &NodeExecution{}
		var (
			status                          string
			input, output, msg, errMsg, code sql.NullString
			createdAt                       int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.RunID, &rec.NodeID, &rec.NodeType, &rec.Attempt, &status,
			&input, &output, &msg, &errMsg, &code, &rec.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = schema.NodeStatus(status)
		rec.Input = mapOrNil(input)
		rec.Output = mapOrNil(output)
		rec.Message = msg.String
		rec.Error = errMsg.String
		rec.ErrorCode = code.String
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Waits ---

func (s *LibSQLStore) CreateWait(ctx context.Context, w *Wait) error {
	prepareWait(w)
	details, err := nullableMap(w.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	input, err := nullableMap(w.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO waits (id, run_id, workflow_id, node_id, kind, resume_key, resume_at, description, details, input, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RunID, w.WorkflowID, w.NodeID, string(w.Kind), w.ResumeKey, nullUnixMilli(w.ResumeAt),
		nullStr(w.Description), details, input, string(w.Status), w.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storeErr("create wait", err)
	}
	return nil
}

const waitColumns = `id, run_id, workflow_id, node_id, kind, resume_key, resume_at, description, details, input, status, created_at, resolved_at`

func (s *LibSQLStore) GetWaitByKey(ctx context.Context, key string) (*Wait, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+waitColumns+` FROM waits WHERE resume_key = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		key, string(schema.WaitStatusPending),
	)
	w, err := scanWait(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("wait", key)
	}
	return w, err
}

func (s *LibSQLStore) ListWaits(ctx context.Context, filter WaitFilter) ([]*Wait, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	query := `SELECT ` + waitColumns + ` FROM waits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	return s.queryWaits(ctx, query, args...)
}

func (s *LibSQLStore) ResolveWait(ctx context.Context, id string, status schema.WaitStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE waits SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), id, string(schema.WaitStatusPending),
	)
	if err != nil {
		return false, storeErr("resolve wait", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListDueWaits(ctx context.Context, now time.Time) ([]*Wait, error) {
	return s.queryWaits(ctx,
		`SELECT `+waitColumns+` FROM waits WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ? ORDER BY resume_at ASC`,
		string(schema.WaitStatusPending), now.UnixMilli(),
	)
}

func (s *LibSQLStore) queryWaits(ctx context.Context, query string, args ...any) ([]*Wait, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Wait
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWait(sc scanner) (*Wait, error) {
	w := &Wait{}
	var (
		kind, status         string
		resumeAt             sql.NullInt64
		desc, details, input sql.NullString
		createdAt            int64
		resolvedAt           sql.NullTime
	)
	if err := sc.Scan(&w.ID, &w.RunID, &w.WorkflowID, &w.NodeID, &kind, &w.ResumeKey, &resumeAt,
		&desc, &details, &input, &status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	w.Kind = schema.WaitKind(kind)
	w.Status = schema.WaitStatus(status)
	w.Description = desc.String
	w.Details = mapOrNil(details)
	w.Input = mapOrNil(input)
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	if resumeAt.Valid {
		t := time.UnixMilli(resumeAt.Int64).UTC()
		w.ResumeAt = &t
	}
	if resolvedAt.Valid {
		w.ResolvedAt = &resolvedAt.Time
	}
	return w, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch.ID == "" {
		sch.ID = newID()
	}
	sch.CreatedAt = timeOrNow(sch.CreatedAt)
	payload, err := nullableMap(sch.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, user_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_id, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, nullStr(sch.UserID), sch.CronExpression, payload, boolToInt(sch.Enabled),
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), nullStr(sch.LastRunID), nullStr(sch.LastRunStatus), sch.CreatedAt,
	)
	if err != nil {
		return storeErr("create schedule", err)
	}
	return nil
}

const scheduleColumns = `id, workflow_id, user_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_id, last_run_status, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var (
		userID, payload, lastRunID, lastStatus sql.NullString
		enabled                                int
		lastRunAt, nextRunAt                   sql.NullTime
	)
	if err := sc.Scan(&sch.ID, &sch.WorkflowID, &userID, &sch.CronExpression, &payload, &enabled,
		&lastRunAt, &nextRunAt, &lastRunID, &lastStatus, &sch.CreatedAt); err != nil {
		return nil, err
	}
	sch.UserID = userID.String
	sch.Payload = mapOrNil(payload)
	sch.Enabled = enabled != 0
	sch.LastRunID = lastRunID.String
	sch.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		sch.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sch.NextRunAt = &nextRunAt.Time
	}
	return sch, nil
}

// --- Webhook subscriptions ---

func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	prepareSubscription(sub)
	events, err := xjson.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal event_types: %w", err)
	}
	headers, err := nullableHeaders(sub.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, user_id, name, event_types, target_url, secret_key, headers, active, last_delivery_at, last_status, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, nullStr(sub.UserID), sub.Name, string(events), sub.TargetURL, nullStr(sub.SecretKey), headers,
		boolToInt(sub.Active), nullUnixMilli(sub.LastDeliveryAt), sub.LastStatus, sub.FailureCount,
		sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storeErr("create subscription", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, name, event_types, target_url, secret_key, headers, active, last_delivery_at, last_status, failure_count, created_at, updated_at`

func (s *LibSQLStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subscription", id)
	}
	return sub, err
}

func (s *LibSQLStore) UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.EventTypes != nil {
		events, err := xjson.Marshal(update.EventTypes)
		if err != nil {
			return fmt.Errorf("marshal event_types: %w", err)
		}
		sets = append(sets, "event_types = ?")
		args = append(args, string(events))
	}
	if update.TargetURL != nil {
		sets = append(sets, "target_url = ?")
		args = append(args, *update.TargetURL)
	}
	if update.SecretKey != nil {
		sets = append(sets, "secret_key = ?")
		args = append(args, nullStr(*update.SecretKey))
	}
	if update.Headers != nil {
		headers, err := nullableHeaders(update.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
		sets = append(sets, "headers = ?")
		args = append(args, headers)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolToInt(*update.Active))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	query := fmt.Sprintf("UPDATE webhook_subscriptions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update subscription", err)
	}
	return checkRowsAffected(res, "subscription", id)
}

func (s *LibSQLStore) RecordDelivery(ctx context.Context, id string, result DeliveryResult) error {
	failures := "failure_count + 1"
	if result.Succeeded() {
		failures = "0"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET last_delivery_at = ?, last_status = ?, failure_count = `+failures+` WHERE id = ?`,
		result.At.UnixMilli(), result.Status, id,
	)
	if err != nil {
		return storeErr("record delivery", err)
	}
	return checkRowsAffected(res, "subscription", id)
}

func (s *LibSQLStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subscription", id)
}

func scanSubscription(sc scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		userID, secret, headers sql.NullString
		events                  string
		active                  int
		lastDelivery            sql.NullInt64
		created, updated        int64
	)
	if err := sc.Scan(&sub.ID, &userID, &sub.Name, &events, &sub.TargetURL, &secret, &headers, &active,
		&lastDelivery, &sub.LastStatus, &sub.FailureCount, &created, &updated); err != nil {
		return nil, err
	}
	sub.UserID = userID.String
	sub.SecretKey = secret.String
	sub.Active = active != 0
	if err := xjson.Unmarshal([]byte(events), &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("unmarshal event_types: %w", err)
	}
	if headers.Valid && headers.String != "" {
		if err := xjson.Unmarshal([]byte(headers.String), &sub.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if lastDelivery.Valid {
		t := time.UnixMilli(lastDelivery.Int64).UTC()
		sub.LastDeliveryAt = &t
	}
	sub.CreatedAt = time.UnixMilli(created).UTC()
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	return sub, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.FlowError {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s: %s", op, msg).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, msg).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := xjson.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableHeaders(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := xjson.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func mapOrNil(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := xjson.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
