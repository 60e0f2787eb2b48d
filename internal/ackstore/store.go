// Package ackstore is the data-access layer over the Shared Store for
// pending-acknowledgement and invalidation rows, partitioned per
// deployment.
package ackstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hopswrite/writecoord/internal/coordwire"

	_ "modernc.org/sqlite"
)

// PendingAckRow is one row of write_acks_deployment{N}.
type PendingAckRow struct {
	TargetNodeID int64
	Deployment   int
	Acknowledged bool
	OpID         uint64
	TxStart      time.Time
	LeaderID     int64
}

// InvalidationRow is one row of invalidations_deployment{N}.
type InvalidationRow struct {
	InodeID  int64
	ParentID int64
	LeaderID int64
	TxStart  time.Time
	OpID     uint64
}

// Store is the transactional persistence layer over the Shared Store.
// The default driver is modernc.org/sqlite (pure Go, embeddable), but
// Store operates purely through database/sql so any driver reachable by
// sharedStoreDSN works without code changes.
type Store struct {
	db *sql.DB
}

// Open connects to the Shared Store identified by dsn using the named
// database/sql driver (default "sqlite").
func Open(driverName, dsn string) (*Store, error) {
	if driverName == "" {
		driverName = "sqlite"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, coordwire.New(coordwire.KindStoreWrite, "ackstore.Open", err)
	}
	// A single connection avoids the classic in-memory sqlite gotcha
	// where a second pooled connection sees an empty, unrelated database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, coordwire.New(coordwire.KindStoreWrite, "ackstore.Open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func ackTable(deployment int) string {
	return fmt.Sprintf("write_acks_deployment%d", deployment)
}

func invalidationTable(deployment int) string {
	return fmt.Sprintf("invalidations_deployment%d", deployment)
}

// changeLogTable is the outbox shadow table ES polls to observe row
// changes on the ack and invalidation tables for a given deployment
// (ack inserts and updates, invalidation inserts), since the default
// sqlite driver exposes no native change-data-capture stream (see
// internal/eventsub's package doc for the full rationale).
func changeLogTable(deployment int) string {
	return fmt.Sprintf("change_log_deployment%d", deployment)
}

// EnsureSchema idempotently creates the ack, invalidation, and change-log
// tables for one deployment. Nothing else in the core owns schema
// creation, and a Node must be able to cold-start against an empty
// Shared Store, so AS provides the DDL that produces them.
func (s *Store) EnsureSchema(ctx context.Context, deployment int) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namenode_id INTEGER NOT NULL,
			deployment_number INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			op_id INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			leader_id INTEGER NOT NULL,
			PRIMARY KEY (namenode_id, op_id)
		)`, ackTable(deployment)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			inode_id INTEGER NOT NULL,
			parent_id INTEGER NOT NULL,
			leader_id INTEGER NOT NULL,
			tx_start INTEGER NOT NULL,
			op_id INTEGER NOT NULL,
			PRIMARY KEY (inode_id, leader_id, op_id)
		)`, invalidationTable(deployment)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_inode_op
			ON %s (inode_id, op_id)`, invalidationTable(deployment), invalidationTable(deployment)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			namenode_id INTEGER NOT NULL,
			op_id INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`, changeLogTable(deployment)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.EnsureSchema", err)
		}
	}
	return nil
}

// InsertAcks atomically batch-inserts pending-ack rows into
// write_acks_deployment{N}. Duplicates on the primary key fail the whole
// batch. Each insert also appends a change_log row in the same
// transaction, forming the outbox ES polls (see package doc in
// internal/eventsub).
func (s *Store) InsertAcks(ctx context.Context, deployment int, rows []PendingAckRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertAcks", err)
	}
	defer tx.Rollback()

	insertStmt := fmt.Sprintf(`INSERT INTO %s
		(namenode_id, deployment_number, acknowledged, op_id, timestamp, leader_id)
		VALUES (?, ?, ?, ?, ?, ?)`, ackTable(deployment))
	logStmt := fmt.Sprintf(`INSERT INTO %s
		(table_name, kind, namenode_id, op_id, acknowledged, recorded_at)
		VALUES (?, 'INSERT', ?, ?, ?, ?)`, changeLogTable(deployment))

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, insertStmt,
			row.TargetNodeID, row.Deployment, boolToInt(row.Acknowledged), int64(row.OpID), row.TxStart.UnixNano(), row.LeaderID,
		); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertAcks", err)
		}
		if _, err := tx.ExecContext(ctx, logStmt,
			ackTable(deployment), row.TargetNodeID, int64(row.OpID), boolToInt(row.Acknowledged), time.Now().UnixNano(),
		); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertAcks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertAcks", err)
	}
	return nil
}

// DeleteAcks atomically batch-deletes pending-ack rows. The coordinator's
// cleanup calls this at the end of every run that inserted ack rows,
// whether the run proceeds or aborts; errors here are logged by the
// coordinator but never escalate to abort.
func (s *Store) DeleteAcks(ctx context.Context, deployment int, rows []PendingAckRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.DeleteAcks", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE namenode_id = ? AND op_id = ?`, ackTable(deployment))
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, stmt, row.TargetNodeID, int64(row.OpID)); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.DeleteAcks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.DeleteAcks", err)
	}
	return nil
}

// UpdateAck is the peer-side write: flip acknowledged=true for
// (targetID, opID). The leader never calls this; it exists so tests
// can simulate a peer's behavior.
func (s *Store) UpdateAck(ctx context.Context, deployment int, targetID int64, opID uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.UpdateAck", err)
	}
	defer tx.Rollback()

	updateStmt := fmt.Sprintf(`UPDATE %s SET acknowledged = 1 WHERE namenode_id = ? AND op_id = ?`, ackTable(deployment))
	res, err := tx.ExecContext(ctx, updateStmt, targetID, int64(opID))
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.UpdateAck", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.UpdateAck", err)
	}
	if affected == 0 {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.UpdateAck",
			fmt.Errorf("no pending ack row for target=%d op_id=%d", targetID, opID))
	}

	logStmt := fmt.Sprintf(`INSERT INTO %s
		(table_name, kind, namenode_id, op_id, acknowledged, recorded_at)
		VALUES (?, 'UPDATE', ?, ?, 1, ?)`, changeLogTable(deployment))
	if _, err := tx.ExecContext(ctx, logStmt, ackTable(deployment), targetID, int64(opID), time.Now().UnixNano()); err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.UpdateAck", err)
	}
	return tx.Commit()
}

// InsertInvalidations atomically batch-inserts invalidation rows into
// invalidations_deployment{N}.
func (s *Store) InsertInvalidations(ctx context.Context, deployment int, rows []InvalidationRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertInvalidations", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %s
		(inode_id, parent_id, leader_id, tx_start, op_id)
		VALUES (?, ?, ?, ?, ?)`, invalidationTable(deployment))
	logStmt := fmt.Sprintf(`INSERT INTO %s
		(table_name, kind, namenode_id, op_id, acknowledged, recorded_at)
		VALUES (?, 'INSERT', ?, ?, 0, ?)`, changeLogTable(deployment))

	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, stmt,
			row.InodeID, row.ParentID, row.LeaderID, row.TxStart.UnixNano(), int64(row.OpID),
		); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertInvalidations", err)
		}
		if _, err := tx.ExecContext(ctx, logStmt, invalidationTable(deployment), row.InodeID, int64(row.OpID), time.Now().UnixNano()); err != nil {
			return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertInvalidations", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return coordwire.New(coordwire.KindStoreWrite, "ackstore.InsertInvalidations", err)
	}
	return nil
}

// GetPendingAcks is an optional diagnostic read: pending acks issued by
// leaderID since sinceTime. No correctness role — used by debug paths
// only.
func (s *Store) GetPendingAcks(ctx context.Context, deployment int, leaderID int64, sinceTime time.Time) ([]PendingAckRow, error) {
	query := fmt.Sprintf(`SELECT namenode_id, deployment_number, acknowledged, op_id, timestamp, leader_id
		FROM %s WHERE leader_id = ? AND timestamp >= ?`, ackTable(deployment))
	rows, err := s.db.QueryContext(ctx, query, leaderID, sinceTime.UnixNano())
	if err != nil {
		return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.GetPendingAcks", err)
	}
	defer rows.Close()

	var out []PendingAckRow
	for rows.Next() {
		var row PendingAckRow
		var acked int
		var ts int64
		if err := rows.Scan(&row.TargetNodeID, &row.Deployment, &acked, &row.OpID, &ts, &row.LeaderID); err != nil {
			return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.GetPendingAcks", err)
		}
		row.Acknowledged = acked != 0
		row.TxStart = time.Unix(0, ts)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.GetPendingAcks", err)
	}
	return out, nil
}

// ChangeRow is one row read back off a deployment's change_log shadow
// table, in commit order. internal/eventsub polls these to synthesize
// row-level change events for its listeners.
type ChangeRow struct {
	Seq          int64
	TableName    string
	Kind         string // INSERT | UPDATE | DELETE
	NodeID       int64
	OpID         uint64
	Acknowledged bool
	RecordedAt   time.Time
}

// PollChanges reads change_log rows for deployment with seq > afterSeq,
// in ascending (commit) order. This is the polling backbone of the
// default change stream implementation (see internal/eventsub).
func (s *Store) PollChanges(ctx context.Context, deployment int, afterSeq int64, limit int) ([]ChangeRow, error) {
	query := fmt.Sprintf(`SELECT seq, table_name, kind, namenode_id, op_id, acknowledged, recorded_at
		FROM %s WHERE seq > ? ORDER BY seq ASC LIMIT ?`, changeLogTable(deployment))
	rows, err := s.db.QueryContext(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.PollChanges", err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var row ChangeRow
		var acked int
		var recordedAt int64
		if err := rows.Scan(&row.Seq, &row.TableName, &row.Kind, &row.NodeID, &row.OpID, &acked, &recordedAt); err != nil {
			return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.PollChanges", err)
		}
		row.Acknowledged = acked != 0
		row.RecordedAt = time.Unix(0, recordedAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, coordwire.New(coordwire.KindStoreRead, "ackstore.PollChanges", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNoRows is a convenience re-export so callers outside this package
// don't need to import database/sql directly to check for it.
var ErrNoRows = sql.ErrNoRows
