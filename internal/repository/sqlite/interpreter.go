package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/pyhost/internal/apperror"
	"github.com/sakif/pyhost/internal/interpreter"
	"github.com/sakif/pyhost/internal/model"
	"github.com/sakif/pyhost/internal/repository"
)

var _ repository.InterpreterRepository = (*DB)(nil)

const interpreterColumns = `id, path, executable, architecture, version, version_info,
	sys_version, sys_prefix, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so one scan
// function serves GetByID, GetByPath and List.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterpreter(row rowScanner) (*model.Interpreter, error) {
	var (
		it          model.Interpreter
		arch        string
		versionInfo string
	)
	err := row.Scan(
		&it.ID,
		&it.Path,
		&it.Executable,
		&arch,
		&it.Version,
		&versionInfo,
		&it.SysVersion,
		&it.SysPrefix,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Architecture = interpreter.Architecture(arch)
	if err := json.Unmarshal([]byte(versionInfo), &it.VersionInfo); err != nil {
		return nil, fmt.Errorf("decoding version_info of %s: %w", it.ID, err)
	}
	return &it, nil
}

// Create inserts a new interpreter, filling in its ID and timestamps.
// A second interpreter with the same path is an apperror.ErrConflict.
func (db *DB) Create(ctx context.Context, it *model.Interpreter) error {
	versionInfo, err := json.Marshal(it.VersionInfo)
	if err != nil {
		return fmt.Errorf("sqlite: encoding version info: %w", err)
	}

	it.ID = xid.New().String()
	now := time.Now()
	it.CreatedAt = now
	it.UpdatedAt = now

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO interpreters (`+interpreterColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID,
		it.Path,
		it.Executable,
		string(it.Architecture),
		it.Version,
		string(versionInfo),
		it.SysVersion,
		it.SysPrefix,
		it.CreatedAt,
		it.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("interpreter", it.Path)
		}
		return fmt.Errorf("sqlite: creating interpreter %s: %w", it.Path, err)
	}

	return nil
}

// GetByID returns apperror.ErrNotFound when no interpreter has that ID.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Interpreter, error) {
	it, err := scanInterpreter(db.conn.QueryRowContext(ctx,
		`SELECT `+interpreterColumns+` FROM interpreters WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("interpreter", id)
		}
		return nil, fmt.Errorf("sqlite: getting interpreter %s: %w", id, err)
	}
	return it, nil
}

// GetByPath looks an interpreter up by its registered path.
func (db *DB) GetByPath(ctx context.Context, path string) (*model.Interpreter, error) {
	it, err := scanInterpreter(db.conn.QueryRowContext(ctx,
		`SELECT `+interpreterColumns+` FROM interpreters WHERE path = ?`, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("interpreter", path)
		}
		return nil, fmt.Errorf("sqlite: getting interpreter by path %s: %w", path, err)
	}
	return it, nil
}

// List returns interpreters oldest first, so a client paging through the
// registry sees a stable order while new ones are registered.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Interpreter, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := max(opts.Offset, 0)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+interpreterColumns+`
		 FROM interpreters
		 ORDER BY created_at ASC, id ASC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing interpreters: %w", err)
	}
	defer rows.Close()

	interpreters := make([]model.Interpreter, 0, limit)
	for rows.Next() {
		it, err := scanInterpreter(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning interpreter row: %w", err)
		}
		interpreters = append(interpreters, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating interpreters: %w", err)
	}

	return interpreters, nil
}

// Update stores a refreshed discovery result. ID, path and created_at are
// immutable.
func (db *DB) Update(ctx context.Context, it *model.Interpreter) error {
	versionInfo, err := json.Marshal(it.VersionInfo)
	if err != nil {
		return fmt.Errorf("sqlite: encoding version info: %w", err)
	}
	it.UpdatedAt = time.Now()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE interpreters
		 SET executable = ?, architecture = ?, version = ?, version_info = ?,
		     sys_version = ?, sys_prefix = ?, updated_at = ?
		 WHERE id = ?`,
		it.Executable,
		string(it.Architecture),
		it.Version,
		string(versionInfo),
		it.SysVersion,
		it.SysPrefix,
		it.UpdatedAt,
		it.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating interpreter %s: %w", it.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("interpreter", it.ID)
	}

	return nil
}

// Delete removes an interpreter by ID.
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM interpreters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting interpreter %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("interpreter", id)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlitedrv.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
