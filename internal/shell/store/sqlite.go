package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/keel/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite. Inside WithTx the same type
// runs against the transaction.
type SQLiteStore struct {
	db   *sqlx.DB
	exec executor
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, exec: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection. It is a no-op inside a transaction.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// Already in a transaction, just run the function
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(&SQLiteStore{exec: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// =============================================================================
// Application Operations
// =============================================================================

type applicationRow struct {
	ID            int64  `db:"id"`
	UUID          string `db:"uuid"`
	Name          string `db:"name"`
	DestinationID int64  `db:"destination_id"`
	BuildPack     string `db:"build_pack"`
	Settings      string `db:"settings"`
	ConfigHash    string `db:"config_hash"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

// SaveApplication inserts the application, or updates the one with the same uuid.
// The stored configuration hash is left untouched on update.
func (s *SQLiteStore) SaveApplication(ctx context.Context, app *domain.Application) error {
	if app.UUID == "" {
		app.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now

	settings, err := json.Marshal(app)
	if err != nil {
		return NewStoreError("SaveApplication", "application", app.UUID, "failed to serialize settings", ErrInvalidData)
	}

	query := `
		INSERT INTO applications (uuid, name, destination_id, build_pack, settings, config_hash, created_at, updated_at)
		VALUES (:uuid, :name, :destination_id, :build_pack, :settings, :config_hash, :created_at, :updated_at)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			destination_id = excluded.destination_id,
			build_pack = excluded.build_pack,
			settings = excluded.settings,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"uuid":           app.UUID,
		"name":           app.Name,
		"destination_id": app.DestinationID,
		"build_pack":     string(app.BuildPack),
		"settings":       string(settings),
		"config_hash":    app.ConfigHash,
		"created_at":     formatTime(app.CreatedAt),
		"updated_at":     formatTime(app.UpdatedAt),
	}
	if _, err := s.exec.NamedExecContext(ctx, query, row); err != nil {
		return translateWriteError("SaveApplication", "application", app.UUID, err)
	}

	saved, err := s.GetApplicationByUUID(ctx, app.UUID)
	if err != nil {
		return err
	}
	app.ID = saved.ID
	app.CreatedAt = saved.CreatedAt
	app.ConfigHash = saved.ConfigHash
	return nil
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	var row applicationRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM applications WHERE id = ?`, id); err != nil {
		return nil, translateReadError("GetApplication", "application", strconv.FormatInt(id, 10), err)
	}
	return rowToApplication(&row)
}

func (s *SQLiteStore) GetApplicationByUUID(ctx context.Context, appUUID string) (*domain.Application, error) {
	var row applicationRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM applications WHERE uuid = ?`, appUUID); err != nil {
		return nil, translateReadError("GetApplicationByUUID", "application", appUUID, err)
	}
	return rowToApplication(&row)
}

func (s *SQLiteStore) RecordConfigHash(ctx context.Context, applicationID int64, hash string) error {
	res, err := s.exec.ExecContext(ctx,
		`UPDATE applications SET config_hash = ?, updated_at = ? WHERE id = ?`,
		hash, formatTime(time.Now()), applicationID)
	if err != nil {
		return NewStoreError("RecordConfigHash", "application", strconv.FormatInt(applicationID, 10), err.Error(), err)
	}
	return requireRow(res, "RecordConfigHash", "application", strconv.FormatInt(applicationID, 10))
}

func rowToApplication(row *applicationRow) (*domain.Application, error) {
	var app domain.Application
	if err := json.Unmarshal([]byte(row.Settings), &app); err != nil {
		return nil, NewStoreError("rowToApplication", "application", row.UUID, "failed to parse settings", ErrInvalidData)
	}
	app.ID = row.ID
	app.UUID = row.UUID
	app.Name = row.Name
	app.DestinationID = row.DestinationID
	app.BuildPack = domain.BuildPack(row.BuildPack)
	app.ConfigHash = row.ConfigHash
	app.CreatedAt = parseTime(row.CreatedAt)
	app.UpdatedAt = parseTime(row.UpdatedAt)
	return &app, nil
}

// =============================================================================
// Server Operations
// =============================================================================

type serverRow struct {
	ID                  int64   `db:"id"`
	UUID                string  `db:"uuid"`
	Name                string  `db:"name"`
	IP                  string  `db:"ip"`
	Port                int     `db:"port"`
	User                string  `db:"ssh_user"`
	PrivateKeyEncrypted []byte  `db:"private_key_encrypted"`
	ConcurrentBuilds    int     `db:"concurrent_builds"`
	DynamicTimeout      int     `db:"dynamic_timeout"`
	IsReachable         bool    `db:"is_reachable"`
	IsUsable            bool    `db:"is_usable"`
	IsSwarmManager      bool    `db:"is_swarm_manager"`
	LastCheckedAt       *string `db:"last_checked_at"`
	ErrorMessage        string  `db:"error_message"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
}

// SaveServer inserts the server, or updates the one with the same uuid.
// Reachability is owned by the reachability checker and kept on update.
func (s *SQLiteStore) SaveServer(ctx context.Context, server *domain.Server) error {
	if server.UUID == "" {
		server.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	query := `
		INSERT INTO servers (
			uuid, name, ip, port, ssh_user, private_key_encrypted, concurrent_builds, dynamic_timeout,
			is_reachable, is_usable, is_swarm_manager, error_message, created_at, updated_at
		) VALUES (
			:uuid, :name, :ip, :port, :ssh_user, :private_key_encrypted, :concurrent_builds, :dynamic_timeout,
			:is_reachable, :is_usable, :is_swarm_manager, '', :created_at, :updated_at
		)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			ip = excluded.ip,
			port = excluded.port,
			ssh_user = excluded.ssh_user,
			private_key_encrypted = COALESCE(excluded.private_key_encrypted, servers.private_key_encrypted),
			concurrent_builds = excluded.concurrent_builds,
			dynamic_timeout = excluded.dynamic_timeout,
			is_swarm_manager = excluded.is_swarm_manager,
			updated_at = excluded.updated_at`

	var key any
	if len(server.PrivateKeyEncrypted) > 0 {
		key = server.PrivateKeyEncrypted
	}
	row := map[string]any{
		"uuid":                  server.UUID,
		"name":                  server.Name,
		"ip":                    server.IP,
		"port":                  server.Port,
		"ssh_user":              server.User,
		"private_key_encrypted": key,
		"concurrent_builds":     server.ConcurrentBuilds,
		"dynamic_timeout":       server.DynamicTimeout,
		"is_reachable":          server.IsReachable,
		"is_usable":             server.IsUsable,
		"is_swarm_manager":      server.IsSwarmManager,
		"created_at":            formatTime(server.CreatedAt),
		"updated_at":            formatTime(server.UpdatedAt),
	}
	if _, err := s.exec.NamedExecContext(ctx, query, row); err != nil {
		return translateWriteError("SaveServer", "server", server.UUID, err)
	}

	var id int64
	if err := s.exec.GetContext(ctx, &id, `SELECT id FROM servers WHERE uuid = ?`, server.UUID); err != nil {
		return translateReadError("SaveServer", "server", server.UUID, err)
	}
	server.ID = id
	return nil
}

func (s *SQLiteStore) GetServer(ctx context.Context, id int64) (*domain.Server, error) {
	var row serverRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM servers WHERE id = ?`, id); err != nil {
		return nil, translateReadError("GetServer", "server", strconv.FormatInt(id, 10), err)
	}
	return rowToServer(&row), nil
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]domain.Server, error) {
	var rows []serverRow
	if err := s.exec.SelectContext(ctx, &rows, `SELECT * FROM servers ORDER BY id`); err != nil {
		return nil, NewStoreError("ListServers", "server", "", err.Error(), err)
	}
	servers := make([]domain.Server, 0, len(rows))
	for i := range rows {
		servers = append(servers, *rowToServer(&rows[i]))
	}
	return servers, nil
}

func (s *SQLiteStore) UpdateServerReachability(ctx context.Context, id int64, reachable, usable bool, message string, at time.Time) error {
	res, err := s.exec.ExecContext(ctx, `
		UPDATE servers SET is_reachable = ?, is_usable = ?, error_message = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		reachable, usable, message, formatTime(at), formatTime(at), id)
	if err != nil {
		return NewStoreError("UpdateServerReachability", "server", strconv.FormatInt(id, 10), err.Error(), err)
	}
	return requireRow(res, "UpdateServerReachability", "server", strconv.FormatInt(id, 10))
}

func rowToServer(row *serverRow) *domain.Server {
	server := &domain.Server{
		ID:                  row.ID,
		UUID:                row.UUID,
		Name:                row.Name,
		IP:                  row.IP,
		Port:                row.Port,
		User:                row.User,
		PrivateKeyEncrypted: row.PrivateKeyEncrypted,
		ConcurrentBuilds:    row.ConcurrentBuilds,
		DynamicTimeout:      row.DynamicTimeout,
		IsReachable:         row.IsReachable,
		IsUsable:            row.IsUsable,
		IsSwarmManager:      row.IsSwarmManager,
		ErrorMessage:        row.ErrorMessage,
		CreatedAt:           parseTime(row.CreatedAt),
		UpdatedAt:           parseTime(row.UpdatedAt),
	}
	if row.LastCheckedAt != nil {
		t := parseTime(*row.LastCheckedAt)
		server.LastCheckedAt = &t
	}
	return server
}

// =============================================================================
// Destination Operations
// =============================================================================

type destinationRow struct {
	ID        int64  `db:"id"`
	UUID      string `db:"uuid"`
	Name      string `db:"name"`
	ServerID  int64  `db:"server_id"`
	Network   string `db:"network"`
	Kind      string `db:"kind"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

// SaveDestination inserts the destination, or updates the one with the same uuid.
func (s *SQLiteStore) SaveDestination(ctx context.Context, dest *domain.Destination) error {
	if dest.UUID == "" {
		dest.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	if dest.CreatedAt.IsZero() {
		dest.CreatedAt = now
	}
	dest.UpdatedAt = now

	query := `
		INSERT INTO destinations (uuid, name, server_id, network, kind, created_at, updated_at)
		VALUES (:uuid, :name, :server_id, :network, :kind, :created_at, :updated_at)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			server_id = excluded.server_id,
			network = excluded.network,
			kind = excluded.kind,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"uuid":       dest.UUID,
		"name":       dest.Name,
		"server_id":  dest.ServerID,
		"network":    dest.Network,
		"kind":       string(dest.Kind),
		"created_at": formatTime(dest.CreatedAt),
		"updated_at": formatTime(dest.UpdatedAt),
	}
	if _, err := s.exec.NamedExecContext(ctx, query, row); err != nil {
		return translateWriteError("SaveDestination", "destination", dest.UUID, err)
	}

	var id int64
	if err := s.exec.GetContext(ctx, &id, `SELECT id FROM destinations WHERE uuid = ?`, dest.UUID); err != nil {
		return translateReadError("SaveDestination", "destination", dest.UUID, err)
	}
	dest.ID = id
	return nil
}

func (s *SQLiteStore) GetDestination(ctx context.Context, id int64) (*domain.Destination, error) {
	var row destinationRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM destinations WHERE id = ?`, id); err != nil {
		return nil, translateReadError("GetDestination", "destination", strconv.FormatInt(id, 10), err)
	}
	return &domain.Destination{
		ID:        row.ID,
		UUID:      row.UUID,
		Name:      row.Name,
		ServerID:  row.ServerID,
		Network:   row.Network,
		Kind:      domain.DestinationKind(row.Kind),
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

// =============================================================================
// Queue Operations
// =============================================================================

type queueRow struct {
	ID             int64   `db:"id"`
	DeploymentUUID string  `db:"deployment_uuid"`
	ApplicationID  int64   `db:"application_id"`
	ServerID       int64   `db:"server_id"`
	DestinationID  int64   `db:"destination_id"`
	Commit         string  `db:"commit_sha"`
	PullRequestID  int     `db:"pull_request_id"`
	Status         string  `db:"status"`
	ForceRebuild   bool    `db:"force_rebuild"`
	RestartOnly    bool    `db:"restart_only"`
	Rollback       bool    `db:"rollback"`
	OnlyThisServer bool    `db:"only_this_server"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	FinishedAt     *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateQueueEntry(ctx context.Context, entry *domain.QueueEntry) error {
	if entry.DeploymentUUID == "" {
		entry.DeploymentUUID = uuid.NewString()
	}
	query := `
		INSERT INTO deployment_queue (
			deployment_uuid, application_id, server_id, destination_id, commit_sha, pull_request_id,
			status, force_rebuild, restart_only, rollback, only_this_server, created_at, updated_at
		) VALUES (
			:deployment_uuid, :application_id, :server_id, :destination_id, :commit_sha, :pull_request_id,
			:status, :force_rebuild, :restart_only, :rollback, :only_this_server, :created_at, :updated_at
		)`

	row := map[string]any{
		"deployment_uuid":  entry.DeploymentUUID,
		"application_id":   entry.ApplicationID,
		"server_id":        entry.ServerID,
		"destination_id":   entry.DestinationID,
		"commit_sha":       entry.Commit,
		"pull_request_id":  entry.PullRequestID,
		"status":           string(entry.Status),
		"force_rebuild":    entry.ForceRebuild,
		"restart_only":     entry.RestartOnly,
		"rollback":         entry.Rollback,
		"only_this_server": entry.OnlyThisServer,
		"created_at":       formatTime(entry.CreatedAt),
		"updated_at":       formatTime(entry.UpdatedAt),
	}
	res, err := s.exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return translateWriteError("CreateQueueEntry", "queue entry", entry.DeploymentUUID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return NewStoreError("CreateQueueEntry", "queue entry", entry.DeploymentUUID, err.Error(), err)
	}
	entry.ID = id
	return nil
}

func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id int64) (*domain.QueueEntry, error) {
	var row queueRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM deployment_queue WHERE id = ?`, id); err != nil {
		return nil, translateReadError("GetQueueEntry", "queue entry", strconv.FormatInt(id, 10), err)
	}
	return rowToQueueEntry(&row), nil
}

func (s *SQLiteStore) GetQueueEntryByUUID(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	var row queueRow
	if err := s.exec.GetContext(ctx, &row, `SELECT * FROM deployment_queue WHERE deployment_uuid = ?`, deploymentUUID); err != nil {
		return nil, translateReadError("GetQueueEntryByUUID", "queue entry", deploymentUUID, err)
	}
	return rowToQueueEntry(&row), nil
}

func (s *SQLiteStore) ListActiveEntriesForApplication(ctx context.Context, applicationID int64) ([]domain.QueueEntry, error) {
	return s.listEntries(ctx, "ListActiveEntriesForApplication", `
		SELECT * FROM deployment_queue
		WHERE application_id = ? AND status IN (?, ?)
		ORDER BY created_at, id`,
		applicationID, domain.QueueStatusQueued, domain.QueueStatusInProgress)
}

func (s *SQLiteStore) ListQueuedEntries(ctx context.Context, serverID int64) ([]domain.QueueEntry, error) {
	return s.listEntries(ctx, "ListQueuedEntries", `
		SELECT * FROM deployment_queue
		WHERE server_id = ? AND status = ?
		ORDER BY created_at, id`,
		serverID, domain.QueueStatusQueued)
}

func (s *SQLiteStore) ListInProgressEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	return s.listEntries(ctx, "ListInProgressEntries", `
		SELECT * FROM deployment_queue WHERE status = ? ORDER BY created_at, id`,
		domain.QueueStatusInProgress)
}

func (s *SQLiteStore) ListServerEntries(ctx context.Context, serverID int64, opts ListOptions) ([]domain.QueueEntry, error) {
	opts = opts.Normalize()
	return s.listEntries(ctx, "ListServerEntries", `
		SELECT * FROM deployment_queue WHERE server_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		serverID, opts.Limit, opts.Offset)
}

func (s *SQLiteStore) ListServersWithQueuedEntries(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.exec.SelectContext(ctx, &ids,
		`SELECT DISTINCT server_id FROM deployment_queue WHERE status = ? ORDER BY server_id`,
		domain.QueueStatusQueued)
	if err != nil {
		return nil, NewStoreError("ListServersWithQueuedEntries", "queue entry", "", err.Error(), err)
	}
	return ids, nil
}

func (s *SQLiteStore) listEntries(ctx context.Context, op, query string, args ...any) ([]domain.QueueEntry, error) {
	var rows []queueRow
	if err := s.exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "queue entry", "", err.Error(), err)
	}
	entries := make([]domain.QueueEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, *rowToQueueEntry(&rows[i]))
	}
	return entries, nil
}

func (s *SQLiteStore) TransitionQueueEntry(ctx context.Context, id int64, to domain.QueueStatus, at time.Time) (bool, error) {
	sources := domain.SourcesFor(to)
	if len(sources) == 0 {
		return false, nil
	}

	stamp := formatTime(at)
	query, args, err := sqlx.In(`
		UPDATE deployment_queue
		SET status = ?, updated_at = ?, finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		WHERE id = ? AND status IN (?)`,
		string(to), stamp, to.IsTerminal(), stamp, id, sources)
	if err != nil {
		return false, NewStoreError("TransitionQueueEntry", "queue entry", strconv.FormatInt(id, 10), err.Error(), err)
	}

	res, err := s.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return false, NewStoreError("TransitionQueueEntry", "queue entry", strconv.FormatInt(id, 10), err.Error(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreError("TransitionQueueEntry", "queue entry", strconv.FormatInt(id, 10), err.Error(), err)
	}
	return n == 1, nil
}

func rowToQueueEntry(row *queueRow) *domain.QueueEntry {
	entry := &domain.QueueEntry{
		ID:             row.ID,
		DeploymentUUID: row.DeploymentUUID,
		ApplicationID:  row.ApplicationID,
		ServerID:       row.ServerID,
		DestinationID:  row.DestinationID,
		Commit:         row.Commit,
		PullRequestID:  row.PullRequestID,
		Status:         domain.QueueStatus(row.Status),
		ForceRebuild:   row.ForceRebuild,
		RestartOnly:    row.RestartOnly,
		Rollback:       row.Rollback,
		OnlyThisServer: row.OnlyThisServer,
		CreatedAt:      parseTime(row.CreatedAt),
		UpdatedAt:      parseTime(row.UpdatedAt),
	}
	if row.FinishedAt != nil {
		t := parseTime(*row.FinishedAt)
		entry.FinishedAt = &t
	}
	return entry
}

// =============================================================================
// Deployment Log Operations
// =============================================================================

type logRow struct {
	ID             int64  `db:"id"`
	DeploymentUUID string `db:"deployment_uuid"`
	Seq            int    `db:"seq"`
	Timestamp      string `db:"ts"`
	Command        string `db:"command"`
	Output         string `db:"output"`
	Type           string `db:"type"`
	Hidden         bool   `db:"hidden"`
	Batch          int    `db:"batch"`
}

// AppendLog stores a log line and assigns it the next order number of the deployment.
func (s *SQLiteStore) AppendLog(ctx context.Context, deploymentUUID string, entry domain.LogEntry) (domain.LogEntry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Type == "" {
		entry.Type = domain.LogTypeStdout
	}

	res, err := s.exec.ExecContext(ctx, `
		INSERT INTO deployment_logs (deployment_uuid, seq, ts, command, output, type, hidden, batch)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM deployment_logs WHERE deployment_uuid = ?`,
		deploymentUUID, formatTime(entry.Timestamp), entry.Command, entry.Output, string(entry.Type),
		entry.Hidden, entry.Batch, deploymentUUID)
	if err != nil {
		return entry, translateWriteError("AppendLog", "deployment log", deploymentUUID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entry, NewStoreError("AppendLog", "deployment log", deploymentUUID, err.Error(), err)
	}
	if err := s.exec.GetContext(ctx, &entry.Order, `SELECT seq FROM deployment_logs WHERE id = ?`, id); err != nil {
		return entry, translateReadError("AppendLog", "deployment log", deploymentUUID, err)
	}
	return entry, nil
}

// ListLogs returns log lines with an order number greater than after.
func (s *SQLiteStore) ListLogs(ctx context.Context, deploymentUUID string, after int, includeHidden bool) ([]domain.LogEntry, error) {
	query := `SELECT * FROM deployment_logs WHERE deployment_uuid = ? AND seq > ?`
	if !includeHidden {
		query += ` AND hidden = 0`
	}
	query += ` ORDER BY seq`

	var rows []logRow
	if err := s.exec.SelectContext(ctx, &rows, query, deploymentUUID, after); err != nil {
		return nil, NewStoreError("ListLogs", "deployment log", deploymentUUID, err.Error(), err)
	}
	entries := make([]domain.LogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, domain.LogEntry{
			Order:     r.Seq,
			Timestamp: parseTime(r.Timestamp),
			Command:   r.Command,
			Output:    r.Output,
			Type:      domain.LogType(r.Type),
			Hidden:    r.Hidden,
			Batch:     r.Batch,
		})
	}
	return entries, nil
}

// =============================================================================
// Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func translateReadError(op, entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return NewStoreError(op, entity, id, entity+" not found", ErrNotFound)
	}
	return NewStoreError(op, entity, id, err.Error(), err)
}

func translateWriteError(op, entity, id string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return NewStoreError(op, entity, id, entity+" already exists", ErrDuplicateID)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return NewStoreError(op, entity, id, "referenced entity does not exist", ErrForeignKey)
	default:
		return NewStoreError(op, entity, id, msg, err)
	}
}

func requireRow(res sql.Result, op, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return NewStoreError(op, entity, id, err.Error(), err)
	}
	if n == 0 {
		return NewStoreError(op, entity, id, entity+" not found", ErrNotFound)
	}
	return nil
}
