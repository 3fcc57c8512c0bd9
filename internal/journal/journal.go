// Package journal keeps a record of installer runs in a sqlite database,
// so an interrupted or failed installation can be told apart from a
// finished one after a reboot.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	InProgress    bool
	Success       *bool
	FailureReason *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, in_progress: %t, started_at: %s", r.UUID, r.InProgress, r.StartedAt.Format(time.RFC3339))
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	return sb.String()
}

// Open opens the journal at path and creates its table when missing.
// Use ":memory:" for a throw away journal.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer is all sqlite supports, and every new connection to
	// ":memory:" would be an empty database
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating runs table: %w", err)
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "journal rollback failed", "run_id", uuid, "error", err)
	}
}

// Start records that the run identified by uuid is in progress. Starting a
// run which is still in progress is not an error, starting a finished one
// returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, uuid string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, in_progress, started_at) VALUES (?,?,?);`, uuid, true, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, uuid, in_progress, success, failure_reason, started_at, finished_at FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns up to limit runs, the most recent first.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, uuid, in_progress, success, failure_reason, started_at, finished_at FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []RunRow
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (RunRow, error) {
	var r RunRow
	var started int64
	var finished *int64
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.InProgress,
		&r.Success,
		&r.FailureReason,
		&started,
		&finished,
	)
	if err != nil {
		return r, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished != nil {
		t := time.UnixMilli(*finished)
		r.FinishedAt = &t
	}
	return r, nil
}

// FinishOK records that the run identified by uuid has finished
// successfully.
func FinishOK(ctx context.Context, db *sql.DB, uuid string) error {
	return finish(ctx, db, uuid, true, nil)
}

// FinishErr records that the run identified by uuid has failed and why.
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid, false, &reason)
}

func finish(ctx context.Context, db *sql.DB, uuid string, success bool, reason *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			finished_at = ?
		WHERE uuid = ?;
		`, success, reason, time.Now().UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}
