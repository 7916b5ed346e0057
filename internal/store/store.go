// Package store provides the project audit store (spec.md component 4.A):
// an in-memory function/file table plus SQLite-backed persistence for
// tasks, the prompt cache, and findings. Schema-on-open and incremental
// migration follow the teacher pack's cortex store; row shapes use plain
// typed structs and database/sql scanning rather than an ORM.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cascadehq/auditengine/internal/model"
)

// ErrTaskNotFound is returned by FindTask and GetTask when no row matches.
var ErrTaskNotFound = errors.New("store: task not found")

// ErrCacheMiss is returned by GetCache when no row matches the key.
var ErrCacheMiss = errors.New("store: cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS functions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line INTEGER NOT NULL,
	relative_file_path TEXT NOT NULL,
	absolute_file_path TEXT NOT NULL,
	contract_name TEXT NOT NULL DEFAULT '',
	contract_code TEXT NOT NULL DEFAULT '',
	modifiers TEXT NOT NULL DEFAULT '[]',
	visibility TEXT NOT NULL DEFAULT '',
	state_mutability TEXT NOT NULL DEFAULT '',
	natural_language TEXT NOT NULL DEFAULT '',
	content_embedding BLOB,
	name_embedding BLOB,
	natural_embedding BLOB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_functions_file_line ON functions(relative_file_path, start_line);

CREATE TABLE IF NOT EXISTS files (
	relative_path TEXT PRIMARY KEY,
	absolute_path TEXT NOT NULL,
	content TEXT NOT NULL,
	byte_length INTEGER NOT NULL,
	function_ids TEXT NOT NULL DEFAULT '[]',
	extension TEXT NOT NULL DEFAULT '',
	natural_language TEXT NOT NULL DEFAULT '',
	content_embedding BLOB,
	natural_embedding BLOB
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	name TEXT NOT NULL,
	rule_key TEXT NOT NULL,
	rule_text TEXT NOT NULL DEFAULT '',
	scan_mode TEXT NOT NULL,
	code TEXT NOT NULL DEFAULT '',
	context TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'PLANNED',
	round INTEGER NOT NULL DEFAULT 0,
	rounds TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_key ON tasks(project_id, target_id, rule_key, scan_mode);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(project_id, status);

CREATE TABLE IF NOT EXISTS prompt_cache (
	key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	flow_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	code_excerpt TEXT NOT NULL DEFAULT '',
	cluster_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_findings_project ON findings(task_id);
CREATE INDEX IF NOT EXISTS idx_findings_cluster ON findings(cluster_id);
`

// Store is the project audit store: SQLite-backed tasks/cache/findings and
// an in-memory function/file table for the current run. Concurrent writers
// to a project row are serialized with a per-store mutex, matching the
// "single-writer worker" option the contract in spec.md section 4.A permits.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite database at dbPath and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that share this
// project's database file (the vector index lives in the same tables).
func (s *Store) DB() *sql.DB {
	return s.db
}

// LoadFunctionsToCheck loads the parsed function table for a project,
// produced by the external parser and previously ingested via UpsertFunctions.
func (s *Store) LoadFunctionsToCheck(ctx context.Context) ([]model.Function, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, content, start_line, end_line, relative_file_path,
		       absolute_file_path, contract_name, contract_code, modifiers,
		       visibility, state_mutability, natural_language
		FROM functions`)
	if err != nil {
		return nil, fmt.Errorf("store: load functions: %w", err)
	}
	defer rows.Close()

	var out []model.Function
	for rows.Next() {
		var f model.Function
		var modifiersJSON, visibility, mutability string
		if err := rows.Scan(&f.ID, &f.Name, &f.Content, &f.StartLine, &f.EndLine,
			&f.RelativeFilePath, &f.AbsoluteFilePath, &f.ContractName, &f.ContractCode,
			&modifiersJSON, &visibility, &mutability, &f.NaturalLanguage); err != nil {
			return nil, fmt.Errorf("store: scan function: %w", err)
		}
		f.Visibility = model.Visibility(visibility)
		f.StateMutability = model.StateMutability(mutability)
		if modifiersJSON != "" {
			if err := json.Unmarshal([]byte(modifiersJSON), &f.Modifiers); err != nil {
				return nil, fmt.Errorf("store: unmarshal modifiers for %s: %w", f.ID, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertFunctions writes function metadata rows. Embedding columns are left
// untouched here; the vector index populates them separately (spec.md
// section 4.B forbids partial upserts of the embedding invariant, but
// metadata and embeddings are written in two passes by design: metadata
// ingestion must succeed before embedding generation is attempted).
func (s *Store) UpsertFunctions(ctx context.Context, functions []model.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO functions (id, name, content, start_line, end_line, relative_file_path,
			absolute_file_path, contract_name, contract_code, modifiers, visibility, state_mutability)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, content=excluded.content, start_line=excluded.start_line,
			end_line=excluded.end_line, relative_file_path=excluded.relative_file_path,
			absolute_file_path=excluded.absolute_file_path, contract_name=excluded.contract_name,
			contract_code=excluded.contract_code, modifiers=excluded.modifiers,
			visibility=excluded.visibility, state_mutability=excluded.state_mutability`)
	if err != nil {
		return fmt.Errorf("store: prepare function upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range functions {
		modifiersJSON, err := json.Marshal(f.Modifiers)
		if err != nil {
			return fmt.Errorf("store: marshal modifiers for %s: %w", f.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, f.ID, f.Name, f.Content, f.StartLine, f.EndLine,
			f.RelativeFilePath, f.AbsoluteFilePath, f.ContractName, f.ContractCode,
			string(modifiersJSON), string(f.Visibility), string(f.StateMutability)); err != nil {
			return fmt.Errorf("store: upsert function %s: %w", f.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateFunctionDescription stores the generated natural-language description.
func (s *Store) UpdateFunctionDescription(ctx context.Context, functionID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE functions SET natural_language = ? WHERE id = ?`, description, functionID)
	return err
}

// UpsertFiles writes file metadata rows.
func (s *Store) UpsertFiles(ctx context.Context, files []model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (relative_path, absolute_path, content, byte_length, function_ids, extension)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(relative_path) DO UPDATE SET
			absolute_path=excluded.absolute_path, content=excluded.content,
			byte_length=excluded.byte_length, function_ids=excluded.function_ids,
			extension=excluded.extension`)
	if err != nil {
		return fmt.Errorf("store: prepare file upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		idsJSON, err := json.Marshal(f.FunctionIDs)
		if err != nil {
			return fmt.Errorf("store: marshal function ids for %s: %w", f.RelativePath, err)
		}
		if _, err := stmt.ExecContext(ctx, f.RelativePath, f.AbsolutePath, f.Content,
			f.ByteLength, string(idsJSON), f.Extension); err != nil {
			return fmt.Errorf("store: upsert file %s: %w", f.RelativePath, err)
		}
	}

	return tx.Commit()
}

// UpdateFileDescription stores the generated natural-language description.
func (s *Store) UpdateFileDescription(ctx context.Context, relativePath, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE files SET natural_language = ? WHERE relative_path = ?`, description, relativePath)
	return err
}

// LoadFiles returns the file table for the current project (the File-record
// half of component A, populated by UpsertFiles during ingestion).
func (s *Store) LoadFiles(ctx context.Context) ([]model.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relative_path, absolute_path, content, byte_length, function_ids,
		       extension, natural_language
		FROM files`)
	if err != nil {
		return nil, fmt.Errorf("store: load files: %w", err)
	}
	defer rows.Close()

	var out []model.File
	for rows.Next() {
		var f model.File
		var idsJSON string
		if err := rows.Scan(&f.RelativePath, &f.AbsolutePath, &f.Content, &f.ByteLength,
			&idsJSON, &f.Extension, &f.NaturalLanguage); err != nil {
			return nil, fmt.Errorf("store: scan file: %w", err)
		}
		if idsJSON != "" {
			if err := json.Unmarshal([]byte(idsJSON), &f.FunctionIDs); err != nil {
				return nil, fmt.Errorf("store: unmarshal function ids for %s: %w", f.RelativePath, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FunctionCount and FileCount support the embedding-table rebuild-policy
// check of spec.md section 4.B (row_count == source count, or rebuild).
func (s *Store) FunctionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM functions`).Scan(&n)
	return n, err
}

func (s *Store) FileCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n)
	return n, err
}

// CreateTask inserts a new task in PLANNED status. If a task with the same
// idempotency key (ProjectID, TargetID, RuleKey, ScanMode) already exists,
// the existing task is returned instead and no row is written (spec.md
// section 4.G: planning is idempotent on re-run).
func (s *Store) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findTaskLocked(ctx, task.Key())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return model.Task{}, err
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = model.StatusPlanned
	}

	roundsJSON, err := json.Marshal(task.Rounds)
	if err != nil {
		return model.Task{}, fmt.Errorf("store: marshal rounds: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, target_id, name, rule_key, rule_text, scan_mode,
			code, context, status, round, rounds, confidence, error_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.TargetID, task.Name, task.RuleKey, task.RuleText, string(task.ScanMode),
		task.Code, task.Context, string(task.Status), task.Round, string(roundsJSON), task.Confidence,
		task.ErrorKind, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return model.Task{}, fmt.Errorf("store: insert task %s: %w", task.ID, err)
	}

	return task, nil
}

// FindTask looks up a task by its idempotency key.
func (s *Store) FindTask(ctx context.Context, key model.TaskKey) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findTaskLocked(ctx, key)
}

func (s *Store) findTaskLocked(ctx context.Context, key model.TaskKey) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, target_id, name, rule_key, rule_text, scan_mode, code, context,
		       status, round, rounds, confidence, error_kind, created_at, updated_at
		FROM tasks WHERE project_id = ? AND target_id = ? AND rule_key = ? AND scan_mode = ?`,
		key.ProjectID, key.TargetID, key.RuleKey, string(key.ScanMode))
	return scanTask(row)
}

// GetTask loads a task by its id.
func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, target_id, name, rule_key, rule_text, scan_mode, code, context,
		       status, round, rounds, confidence, error_kind, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTasksByProject returns every task for a project, ordered by creation.
func (s *Store) GetTasksByProject(ctx context.Context, projectID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, target_id, name, rule_key, rule_text, scan_mode, code, context,
		       status, round, rounds, confidence, error_kind, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// GetTasksByStatus returns tasks for a project in a given status, the
// resumability entry point for the validator (spec.md section 4.H): a
// crashed run resumes by re-fetching PLANNED/ANALYZING/CONFIRMING tasks.
func (s *Store) GetTasksByStatus(ctx context.Context, projectID string, status model.TaskStatus) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, target_id, name, rule_key, rule_text, scan_mode, code, context,
		       status, round, rounds, confidence, error_kind, created_at, updated_at
		FROM tasks WHERE project_id = ? AND status = ? ORDER BY created_at ASC`, projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpdateTask persists the mutable fields of a task (status, round, rounds,
// confidence, error kind). CreatedAt is immutable; UpdatedAt is refreshed.
func (s *Store) UpdateTask(ctx context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roundsJSON, err := json.Marshal(task.Rounds)
	if err != nil {
		return fmt.Errorf("store: marshal rounds: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, round = ?, rounds = ?, confidence = ?, error_kind = ?,
			code = ?, context = ?, updated_at = ?
		WHERE id = ?`,
		string(task.Status), task.Round, string(roundsJSON), task.Confidence, task.ErrorKind,
		task.Code, task.Context, time.Now().UTC(), task.ID)
	if err != nil {
		return fmt.Errorf("store: update task %s: %w", task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update task %s rows affected: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update task %s: %w", task.ID, ErrTaskNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (model.Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row rowScanner) (model.Task, error) {
	var t model.Task
	var scanMode, status, roundsJSON string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.TargetID, &t.Name, &t.RuleKey, &t.RuleText, &scanMode,
		&t.Code, &t.Context, &status, &t.Round, &roundsJSON, &t.Confidence, &t.ErrorKind,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, fmt.Errorf("store: scan task: %w", err)
	}
	t.ScanMode = model.ScanMode(scanMode)
	t.Status = model.TaskStatus(status)
	if roundsJSON != "" {
		if err := json.Unmarshal([]byte(roundsJSON), &t.Rounds); err != nil {
			return model.Task{}, fmt.Errorf("store: unmarshal rounds for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// GetCache looks up a cached prompt response by key (spec.md section 4.H:
// the prompt cache makes confirmation rounds idempotent on re-run).
func (s *Store) GetCache(ctx context.Context, key string) (model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, response, prompt_tokens, completion_tokens, created_at
		FROM prompt_cache WHERE key = ?`, key)

	var entry model.CacheEntry
	if err := row.Scan(&entry.Key, &entry.Response, &entry.PromptTokens, &entry.CompletionTokens, &entry.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CacheEntry{}, ErrCacheMiss
		}
		return model.CacheEntry{}, fmt.Errorf("store: get cache %s: %w", key, err)
	}
	return entry, nil
}

// PutCache writes a prompt response to the cache. Entries are never evicted
// within a project run; the cache file is scoped to one project database.
func (s *Store) PutCache(ctx context.Context, entry model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_cache (key, response, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET response=excluded.response,
			prompt_tokens=excluded.prompt_tokens, completion_tokens=excluded.completion_tokens`,
		entry.Key, entry.Response, entry.PromptTokens, entry.CompletionTokens, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put cache %s: %w", entry.Key, err)
	}
	return nil
}

// SaveFinding persists a finding produced by the validator, pre-clustering.
func (s *Store) SaveFinding(ctx context.Context, f model.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, task_id, flow_id, title, description, severity, confidence, code_excerpt, cluster_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description,
			severity=excluded.severity, confidence=excluded.confidence, code_excerpt=excluded.code_excerpt,
			cluster_id=excluded.cluster_id`,
		f.ID, f.TaskID, f.FlowID, f.Title, f.Description, string(f.Severity), f.Confidence, f.CodeExcerpt, f.ClusterID)
	if err != nil {
		return fmt.Errorf("store: save finding %s: %w", f.ID, err)
	}
	return nil
}

// GetFindingsByTask returns every finding for a given project, joined
// through the task table so callers need not track project-to-finding
// indirection themselves.
func (s *Store) GetFindingsByTask(ctx context.Context, projectID string) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT findings.id, findings.task_id, findings.flow_id, findings.title, findings.description,
		       findings.severity, findings.confidence, findings.code_excerpt, findings.cluster_id
		FROM findings
		JOIN tasks ON tasks.id = findings.task_id
		WHERE tasks.project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list findings for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		var severity string
		if err := rows.Scan(&f.ID, &f.TaskID, &f.FlowID, &f.Title, &f.Description, &severity,
			&f.Confidence, &f.CodeExcerpt, &f.ClusterID); err != nil {
			return nil, fmt.Errorf("store: scan finding: %w", err)
		}
		f.Severity = model.Severity(severity)
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFindingCluster assigns a cluster id to a finding, called by the
// result processor's iterative clustering rounds (spec.md section 4.I).
func (s *Store) UpdateFindingCluster(ctx context.Context, findingID, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE findings SET cluster_id = ? WHERE id = ?`, clusterID, findingID)
	return err
}
