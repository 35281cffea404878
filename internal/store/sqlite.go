package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/fleetbroker/internal/model"

	_ "modernc.org/sqlite"
)

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS requests (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    template_id     TEXT,
    requested_count INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    message         TEXT,
    provider_name   TEXT,
    provider_type   TEXT,
    handler         TEXT,
    resource_ids    TEXT,
    machine_ids     TEXT,
    metadata        TEXT,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
)`

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    id            TEXT PRIMARY KEY,
    request_id    TEXT NOT NULL REFERENCES requests(id),
    status        TEXT NOT NULL,
    instance_type TEXT,
    private_ip    TEXT,
    launched_at   DATETIME,
    updated_at    DATETIME NOT NULL
)`

const createMachinesIndex = `CREATE INDEX IF NOT EXISTS idx_machines_request_id ON machines(request_id)`

const requestColumns = `id, type, template_id, requested_count, status, message,
	provider_name, provider_type, handler, resource_ids, machine_ids, metadata,
	created_at, updated_at`

const machineColumns = `id, request_id, status, instance_type, private_ip, launched_at, updated_at`

// ErrNotFound is returned when a request is not found.
var ErrNotFound = errors.New("request not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers, which is what WithTransaction's
	// exclusivity relies on, and keeps ":memory:" databases on one handle.
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct{ name, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"enable foreign keys", "PRAGMA foreign_keys = ON"},
		{"create requests table", createRequestsTable},
		{"create machines table", createMachinesTable},
		{"create machines index", createMachinesIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request record.
func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) error {
	args, err := requestArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	return getRequest(ctx, s.db, id)
}

// ListRequests returns a paginated list of requests ordered by created_at DESC,
// along with the total count of all requests.
func (s *SQLiteStore) ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	requests, err := scanRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// ListActiveRequests returns requests that have not reached a terminal status,
// oldest first.
func (s *SQLiteStore) ListActiveRequests(ctx context.Context) ([]*model.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status IN (?, ?) ORDER BY created_at, id`,
		model.StatusPending, model.StatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	return scanRequests(rows)
}

// ListMachines returns the machines owned by a request.
func (s *SQLiteStore) ListMachines(ctx context.Context, requestID string) ([]*model.Machine, error) {
	return listMachines(ctx, s.db, requestID)
}

// GetMachines returns the machines with the given IDs. Unknown IDs are skipped.
func (s *SQLiteStore) GetMachines(ctx context.Context, ids []string) ([]*model.Machine, error) {
	return getMachines(ctx, s.db, ids)
}

// GetRequestStats returns aggregate counts across all requests and machines.
func (s *SQLiteStore) GetRequestStats(ctx context.Context) (*RequestStats, error) {
	stats := &RequestStats{
		CountByStatus:   make(map[string]int),
		CountByType:     make(map[string]int),
		MachinesByState: make(map[string]int),
	}

	for _, q := range []struct {
		query string
		into  map[string]int
	}{
		{"SELECT status, COUNT(*) FROM requests GROUP BY status", stats.CountByStatus},
		{"SELECT type, COUNT(*) FROM requests GROUP BY type", stats.CountByType},
		{"SELECT status, COUNT(*) FROM machines GROUP BY status", stats.MachinesByState},
	} {
		if err := countInto(ctx, s.db, q.query, q.into); err != nil {
			return nil, err
		}
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	return stats, nil
}

// WithTransaction loads the request and its machines, runs fn and commits
// when fn returns nil.
func (s *SQLiteStore) WithTransaction(ctx context.Context, requestID string, fn func(Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback()

	r, err := getRequest(ctx, dbtx, requestID)
	if err != nil {
		return err
	}

	var machines []*model.Machine
	if r.Type == model.RequestReturn {
		machines, err = getMachines(ctx, dbtx, r.MachineIDs)
	} else {
		machines, err = listMachines(ctx, dbtx, requestID)
	}
	if err != nil {
		return err
	}

	t := &sqliteTx{ctx: ctx, tx: dbtx, request: r, status: r.Status, machines: machines}
	if err := fn(t); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	request  *model.Request
	status   model.RequestStatus
	machines []*model.Machine
}

func (t *sqliteTx) Request() *model.Request    { return t.request }
func (t *sqliteTx) Machines() []*model.Machine { return t.machines }

func (t *sqliteTx) SaveRequest(r *model.Request) error {
	if r.Status != t.status && !model.ValidTransition(t.status, r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.status, r.Status)
	}
	r.UpdatedAt = time.Now().UTC()

	resourceIDs, machineIDs, metadata, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(t.ctx,
		`UPDATE requests SET status = ?, message = ?, provider_name = ?, provider_type = ?,
			handler = ?, resource_ids = ?, machine_ids = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.Message, r.ProviderName, r.ProviderType,
		r.Handler, resourceIDs, machineIDs, metadata, r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	t.status = r.Status
	return nil
}

func (t *sqliteTx) UpsertMachine(m *model.Machine) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			instance_type = COALESCE(NULLIF(excluded.instance_type, ''), machines.instance_type),
			private_ip = COALESCE(NULLIF(excluded.private_ip, ''), machines.private_ip),
			launched_at = COALESCE(excluded.launched_at, machines.launched_at),
			updated_at = excluded.updated_at
		WHERE machines.request_id = excluded.request_id
			AND machines.status NOT IN (?, ?)`,
		m.ID, m.RequestID, m.Status, m.InstanceType, m.PrivateIP, m.LaunchedAt, m.UpdatedAt,
		model.MachineTerminated, model.MachineFailed,
	)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRequest(ctx context.Context, q querier, id string) (*model.Request, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	requests, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrNotFound
	}
	return requests[0], nil
}

func listMachines(ctx context.Context, q querier, requestID string) ([]*model.Machine, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE request_id = ? ORDER BY id`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return scanMachines(rows)
}

func getMachines(ctx context.Context, q querier, ids []string) ([]*model.Machine, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id IN (`+placeholders+`) ORDER BY id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get machines: %w", err)
	}
	return scanMachines(rows)
}

func countInto(ctx context.Context, q querier, query string, into map[string]int) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan stats: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

func scanRequests(rows *sql.Rows) ([]*model.Request, error) {
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r := &model.Request{}
		var templateID, message, providerName, providerType, handler sql.NullString
		var resourceIDs, machineIDs, metadata sql.NullString
		if err := rows.Scan(
			&r.ID, &r.Type, &templateID, &r.RequestedCount, &r.Status, &message,
			&providerName, &providerType, &handler, &resourceIDs, &machineIDs, &metadata,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.TemplateID = templateID.String
		r.Message = message.String
		r.ProviderName = providerName.String
		r.ProviderType = providerType.String
		r.Handler = handler.String
		if err := decodeJSON(resourceIDs, &r.ResourceIDs); err != nil {
			return nil, fmt.Errorf("decode resource_ids of %s: %w", r.ID, err)
		}
		if err := decodeJSON(machineIDs, &r.MachineIDs); err != nil {
			return nil, fmt.Errorf("decode machine_ids of %s: %w", r.ID, err)
		}
		if err := decodeJSON(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, nil
}

func scanMachines(rows *sql.Rows) ([]*model.Machine, error) {
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m := &model.Machine{}
		var instanceType, privateIP sql.NullString
		if err := rows.Scan(&m.ID, &m.RequestID, &m.Status, &instanceType, &privateIP, &m.LaunchedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		m.InstanceType = instanceType.String
		m.PrivateIP = privateIP.String
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}
	return machines, nil
}

func requestArgs(r *model.Request) ([]any, error) {
	resourceIDs, machineIDs, metadata, err := encodeJSONColumns(r)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.Type, r.TemplateID, r.RequestedCount, r.Status, r.Message,
		r.ProviderName, r.ProviderType, r.Handler, resourceIDs, machineIDs, metadata,
		r.CreatedAt, r.UpdatedAt,
	}, nil
}

func encodeJSONColumns(r *model.Request) (resourceIDs, machineIDs, metadata sql.NullString, err error) {
	if resourceIDs, err = encodeJSON(r.ResourceIDs, len(r.ResourceIDs) > 0); err != nil {
		return
	}
	if machineIDs, err = encodeJSON(r.MachineIDs, len(r.MachineIDs) > 0); err != nil {
		return
	}
	metadata, err = encodeJSON(r.Metadata, len(r.Metadata) > 0)
	return
}

func encodeJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(col sql.NullString, into any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), into)
}
