package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for the host inventory
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const hostColumns = `id, name, management_ip, cluster_id, status, ssh_user, ssh_password, ssh_port, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (*Host, error) {
	var h Host
	var password sql.NullString
	err := s.Scan(&h.ID, &h.Name, &h.ManagementIP, &h.ClusterID, &h.Status,
		&h.SSHUser, &password, &h.SSHPort, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.SSHPassword = password.String
	return &h, nil
}

// CreateHost inserts a new host record
func (r *Repository) CreateHost(ctx context.Context, h *Host) error {
	slog.Info("database_create_host", "host_id", h.ID, "management_ip", h.ManagementIP)

	if h.Status == "" {
		h.Status = HostDisconnected
	}
	if h.SSHUser == "" {
		h.SSHUser = "root"
	}
	if h.SSHPort == 0 {
		h.SSHPort = 22
	}

	query := `
		INSERT INTO hosts (id, name, management_ip, cluster_id, status, ssh_user, ssh_password, ssh_port)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		h.ID, h.Name, h.ManagementIP, h.ClusterID, h.Status, h.SSHUser, h.SSHPassword, h.SSHPort)
	if err != nil {
		slog.Error("database_insert_failed", "host_id", h.ID, "error", err)
		return errors.Wrap(err, "failed to insert host")
	}

	slog.Info("database_host_created", "host_id", h.ID, "cluster_id", h.ClusterID, "status", h.Status)
	return nil
}

// GetHost retrieves a host by id; it returns nil when the host does not exist
func (r *Repository) GetHost(ctx context.Context, id string) (*Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = ?`
	h, err := scanHost(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_host_not_found", "host_id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "host_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query host")
	}
	return h, nil
}

// ManagementIP returns the management address of a host
func (r *Repository) ManagementIP(ctx context.Context, id string) (string, error) {
	h, err := r.GetHost(ctx, id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "", fmt.Errorf("host not found: id=%s", id)
	}
	return h.ManagementIP, nil
}

// ListHosts retrieves all hosts
func (r *Repository) ListHosts(ctx context.Context) ([]*Host, error) {
	return r.listHosts(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY created_at, id`)
}

// ListClusterPeers retrieves the hosts of a cluster other than excludeID
func (r *Repository) ListClusterPeers(ctx context.Context, clusterID, excludeID string) ([]*Host, error) {
	return r.listHosts(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE cluster_id = ? AND id != ? ORDER BY created_at, id`,
		clusterID, excludeID)
}

func (r *Repository) listHosts(ctx context.Context, query string, args ...any) ([]*Host, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list hosts")
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		hosts = append(hosts, h)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "host_count", len(hosts))
	return hosts, nil
}

// UpdateHostStatus updates only the status field
func (r *Repository) UpdateHostStatus(ctx context.Context, id, status string) error {
	slog.Info("database_update_status", "host_id", id, "status", status)

	query := `UPDATE hosts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		slog.Error("database_status_update_failed", "host_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "host_id", id, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_host_not_found_for_update", "host_id", id)
		return fmt.Errorf("host not found: id=%s", id)
	}
	return nil
}

// DeleteHost deletes a host and its tags
func (r *Repository) DeleteHost(ctx context.Context, id string) error {
	slog.Info("database_delete_host", "host_id", id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM host_tags WHERE host_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete host tags")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "host_id", id, "error", err)
		return errors.Wrap(err, "failed to delete host")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// Tags returns the capability tags of a host
func (r *Repository) Tags(ctx context.Context, hostID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, value FROM host_tags WHERE host_id = ?`, hostID)
	if err != nil {
		slog.Error("database_tags_query_failed", "host_id", hostID, "error", err)
		return nil, errors.Wrap(err, "failed to query tags")
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return tags, nil
}

// ReplaceTags atomically replaces the whole tag set of a host
func (r *Repository) ReplaceTags(ctx context.Context, hostID string, tags map[string]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM host_tags WHERE host_id = ?`, hostID); err != nil {
		slog.Error("failed_to_clear_tags", "host_id", hostID, "error", err)
		return errors.Wrap(err, "failed to clear tags")
	}
	for name, value := range tags {
		_, err := tx.ExecContext(ctx, `INSERT INTO host_tags (host_id, name, value) VALUES (?, ?, ?)`, hostID, name, value)
		if err != nil {
			slog.Error("failed_to_insert_tag", "host_id", hostID, "tag", name, "error", err)
			return errors.Wrap(err, "failed to insert tag "+name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_tags_replaced", "host_id", hostID, "tag_count", len(tags))
	return nil
}

// RecordGC persists an operation that needs reconciliation
func (r *Repository) RecordGC(ctx context.Context, rec *GCRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = GCPending
	}

	query := `
		INSERT INTO gc_records (id, host_id, vm_id, path, command, reason, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.HostID, rec.VMID, rec.Path, rec.Command, rec.Reason, rec.Status, rec.Attempts)
	if err != nil {
		slog.Error("database_gc_insert_failed", "host_id", rec.HostID, "path", rec.Path, "error", err)
		return errors.Wrap(err, "failed to insert gc record")
	}

	slog.Info("database_gc_recorded", "gc_id", rec.ID, "host_id", rec.HostID, "vm_id", rec.VMID, "path", rec.Path)
	return nil
}

const gcColumns = `id, host_id, vm_id, path, command, reason, status, attempts, created_at, updated_at`

func scanGC(s scanner) (*GCRecord, error) {
	var rec GCRecord
	var vmID, command, reason sql.NullString
	err := s.Scan(&rec.ID, &rec.HostID, &vmID, &rec.Path, &command, &reason,
		&rec.Status, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.VMID = vmID.String
	rec.Command = command.String
	rec.Reason = reason.String
	return &rec, nil
}

// GetGC retrieves a GC record by id; it returns nil when the record does not exist
func (r *Repository) GetGC(ctx context.Context, id string) (*GCRecord, error) {
	rec, err := scanGC(r.db.QueryRowContext(ctx, `SELECT `+gcColumns+` FROM gc_records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "gc_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query gc record")
	}
	return rec, nil
}

// ListGC retrieves the GC records in the given status, oldest first
func (r *Repository) ListGC(ctx context.Context, status string) ([]*GCRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gcColumns+` FROM gc_records WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list gc records")
	}
	defer rows.Close()

	var records []*GCRecord
	for rows.Next() {
		rec, err := scanGC(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return records, nil
}

// UpdateGC updates the status, attempt count and reason of a GC record
func (r *Repository) UpdateGC(ctx context.Context, id, status string, attempts int, reason string) error {
	slog.Info("database_update_gc", "gc_id", id, "status", status, "attempts", attempts)

	query := `UPDATE gc_records SET status = ?, attempts = ?, reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, status, attempts, reason, id)
	if err != nil {
		slog.Error("database_gc_update_failed", "gc_id", id, "error", err)
		return errors.Wrap(err, "failed to update gc record")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("gc record not found: id=%s", id)
	}
	return nil
}
