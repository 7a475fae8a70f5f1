package request

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"FeatureScope/internal/agent"
	xerrors "FeatureScope/internal/errors"
	mysqlstore "FeatureScope/internal/storage/mysql"
)

var _ Store = (*MySQLStore)(nil)

// MySQLStore 使用 MySQL 持久化请求与任务树，状态迁移通过带前驱条件的 UPDATE 完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接池创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const requestColumns = `request_id, feature, priority, user_id, correlation_id, status, cancelled, submitted_at, updated_at, completed_at, result`

const taskColumns = `task_id, request_id, agent_id, parent_task_id, status, created_at, started_at, completed_at, retry_count, result, error_code, error_message`

const insertRequestSQL = `INSERT INTO analysis_requests
        (request_id, feature, priority, user_id, correlation_id, status, cancelled, submitted_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`

const insertTaskSQL = `INSERT INTO agent_tasks
        (task_id, request_id, agent_id, parent_task_id, status, created_at, retry_count)
        VALUES (?, ?, ?, ?, ?, ?, 0)`

// CreateRequest 实现 Store 接口。
func (s *MySQLStore) CreateRequest(ctx context.Context, req *Request, root *AgentTask) error {
	if err := validateCreate(req, root); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertRequestSQL,
		req.ID,
		req.Feature,
		string(req.Priority),
		req.UserID,
		req.CorrelationID,
		string(req.Status),
		toMillis(req.SubmittedAt),
		toMillis(req.UpdatedAt),
	); err != nil {
		tx.Rollback()
		if mysqlstore.IsDuplicateKey(err) {
			return ErrRequestExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入请求失败")
	}
	if err := insertTask(ctx, tx, root); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, task *AgentTask) error {
	if _, err := db.ExecContext(ctx, insertTaskSQL,
		task.ID,
		task.RequestID,
		string(task.AgentID),
		task.ParentTaskID,
		string(task.Status),
		toMillis(task.CreatedAt),
	); err != nil {
		if mysqlstore.IsDuplicateKey(err) {
			return xerrors.New(xerrors.CodeConflict, "task id already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// GetRequest 实现 Store 接口。
func (s *MySQLStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM analysis_requests WHERE request_id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求失败")
	}
	return req, nil
}

// CreateTask 实现 Store 接口。
func (s *MySQLStore) CreateTask(ctx context.Context, task *AgentTask) error {
	if err := validateTask(task); err != nil {
		return err
	}
	return insertTask(ctx, s.db, task)
}

// GetTask 实现 Store 接口。
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// ListTasks 实现 Store 接口。根任务与请求同事务写入，因此没有任务即表示请求不存在。
func (s *MySQLStore) ListTasks(ctx context.Context, requestID string) ([]*AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE request_id = ? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []*AgentTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	if len(tasks) == 0 {
		return nil, ErrRequestNotFound
	}
	return tasks, nil
}

// TransitionTask 实现 Store 接口。
func (s *MySQLStore) TransitionTask(ctx context.Context, id string, to TaskStatus, update TaskUpdate) (*AgentTask, error) {
	preds := LegalPredecessors(to)
	if len(preds) == 0 {
		return nil, ErrInvalidTransition
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		stmt string
		args []any
	)
	if to == TaskInProgress {
		stmt = `UPDATE agent_tasks SET status = ?, started_at = ? WHERE task_id = ? AND status IN (` + placeholders(len(preds)) + `)`
		args = []any{string(to), toMillis(at), id}
	} else {
		var code, message string
		if update.Error != nil {
			code, message = update.Error.Code, update.Error.Message
		}
		stmt = `UPDATE agent_tasks SET status = ?, completed_at = ?, result = ?, error_code = ?, error_message = ? WHERE task_id = ? AND status IN (` + placeholders(len(preds)) + `)`
		args = []any{string(to), toMillis(at), nullableJSON(update.Result), code, message, id}
	}
	for _, p := range preds {
		args = append(args, string(p))
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, getErr := s.GetTask(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return current, ErrInvalidTransition
	}
	return current, nil
}

// RecordRetry 实现 Store 接口。
func (s *MySQLStore) RecordRetry(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_tasks SET retry_count = retry_count + 1 WHERE task_id = ? AND status IN (?, ?)`,
		id, string(TaskPending), string(TaskInProgress))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新重试次数失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return task.RetryCount, ErrInvalidTransition
	}
	return task.RetryCount, nil
}

// Finalize 实现 Store 接口。
func (s *MySQLStore) Finalize(ctx context.Context, id string, result *ConsolidatedResult) error {
	if result == nil || !result.OverallStatus.Final() {
		return xerrors.New(xerrors.CodeInvalidArgument, "final result requires a terminal overall status")
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码汇总结果失败")
	}
	at := toMillis(result.CompletedAt)
	res, err := s.db.ExecContext(ctx, `UPDATE analysis_requests SET status = ?, completed_at = ?, updated_at = ?, result = ? WHERE request_id = ? AND status = ?`,
		string(result.OverallStatus), at, at, encoded, id, string(StatusProcessing))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入汇总结果失败")
	}
	return s.checkRequestUpdate(ctx, res, id)
}

// MarkCancelled 实现 Store 接口。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE analysis_requests SET cancelled = 1, updated_at = ? WHERE request_id = ? AND status = ?`,
		toMillis(time.Now().UTC()), id, string(StatusProcessing))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记取消失败")
	}
	return s.checkRequestUpdate(ctx, res, id)
}

func (s *MySQLStore) checkRequestUpdate(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetRequest(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyFinal
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Request, int, error) {
	opts.Normalize()
	where, args := buildListWhere(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计请求失败")
	}

	order := "DESC"
	if opts.Order == SortBySubmittedAsc {
		order = "ASC"
	}
	query := `SELECT ` + requestColumns + ` FROM analysis_requests` + where +
		` ORDER BY submitted_at ` + order + `, request_id ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询请求列表失败")
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析请求失败")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历请求失败")
	}
	return out, total, nil
}

func buildListWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if opts.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if !opts.SubmittedSince.IsZero() {
		clauses = append(clauses, "submitted_at >= ?")
		args = append(args, toMillis(opts.SubmittedSince))
	}
	if opts.Query != "" {
		clauses = append(clauses, "LOWER(feature) LIKE ?")
		args = append(args, "%"+strings.ToLower(escapeLike(opts.Query))+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats 实现 Store 接口。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, cancelled, COUNT(*), MIN(submitted_at), MAX(submitted_at) FROM analysis_requests GROUP BY status, cancelled`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计请求失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status    string
			cancelled bool
			count     int
			oldest    int64
			newest    int64
		)
		if err := rows.Scan(&status, &cancelled, &count, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusProcessing:
			stats.Processing += count
		case StatusCompleted:
			stats.Completed += count
		case StatusPartialFailure:
			stats.PartialFailure += count
		case StatusFailed:
			stats.Failed += count
		}
		if cancelled {
			stats.Cancelled += count
		}
		o, n := fromMillis(oldest), fromMillis(newest)
		if stats.OldestAt == nil || o.Before(*stats.OldestAt) {
			stats.OldestAt = &o
		}
		if stats.NewestAt == nil || n.After(*stats.NewestAt) {
			stats.NewestAt = &n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计失败")
	}
	return stats, nil
}

// Evict 实现 Store 接口。
func (s *MySQLStore) Evict(ctx context.Context, before time.Time) (int, error) {
	cutoff := toMillis(before)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_tasks WHERE request_id IN (SELECT request_id FROM analysis_requests WHERE submitted_at < ?)`, cutoff); err != nil {
		tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除过期任务失败")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM analysis_requests WHERE submitted_at < ?`, cutoff)
	if err != nil {
		tx.Rollback()
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除过期请求失败")
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(removed), nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req         Request
		priority    string
		status      string
		submittedAt int64
		updatedAt   int64
		completedAt sql.NullInt64
		result      []byte
	)
	if err := row.Scan(
		&req.ID,
		&req.Feature,
		&priority,
		&req.UserID,
		&req.CorrelationID,
		&status,
		&req.Cancelled,
		&submittedAt,
		&updatedAt,
		&completedAt,
		&result,
	); err != nil {
		return nil, err
	}
	req.Priority = Priority(priority)
	req.Status = Status(status)
	req.SubmittedAt = fromMillis(submittedAt)
	req.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		req.CompletedAt = &t
	}
	if len(result) > 0 {
		var decoded ConsolidatedResult
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", req.ID, err)
		}
		req.Result = &decoded
	}
	return &req, nil
}

func scanTask(row scanner) (*AgentTask, error) {
	var (
		task        AgentTask
		agentID     string
		status      string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		result      []byte
		errCode     string
		errMessage  sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.RequestID,
		&agentID,
		&task.ParentTaskID,
		&status,
		&createdAt,
		&startedAt,
		&completedAt,
		&task.RetryCount,
		&result,
		&errCode,
		&errMessage,
	); err != nil {
		return nil, err
	}
	task.AgentID = agent.ID(agentID)
	task.Status = TaskStatus(status)
	task.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		task.CompletedAt = &t
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	if errCode != "" || errMessage.String != "" {
		task.Error = &Failure{Code: errCode, Message: errMessage.String}
	}
	return &task, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
