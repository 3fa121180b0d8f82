// Package store is the relay's durable relational Store: one
// `transactions` table, idempotent insert, leased claims, and the
// cancel/stale transitions. It is backed by `database/sql` over
// modernc.org/sqlite (a pure-Go driver, so Watchtower never needs cgo),
// the way `core/connection_pool.go` pools `net.Conn`s — here the pool is
// `database/sql`'s own, bounded via SetMaxOpenConns.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"watchtower/internal/apperr"
	"watchtower/internal/chainmodel"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Filter narrows List's "list(filter)" scan.
type Filter struct {
	ChainID   *uint64
	Sender    *chainmodel.Address
	GroupID   *chainmodel.GroupID
	Ungrouped bool
	Statuses  []chainmodel.Status
	Limit     int
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Reschedule is one of the two outcomes Complete accepts. Status defaults
// to retry_scheduled; the Scheduler sets it to broadcasting explicitly for
// the short post-acceptance confirmation window ("accepted by at least one
// endpoint: stay broadcasting").
type Reschedule struct {
	NextActionAt int64
	LastError    string
	Status       chainmodel.Status
}

// Terminal is the other outcome Complete accepts.
type Terminal struct {
	Status  chainmodel.Status
	Receipt json.RawMessage
}

// Outcome is exactly one of Reschedule or Terminal.
type Outcome struct {
	Reschedule *Reschedule
	Terminal   *Terminal
}

// Store is the durable transaction table plus its group-aware operations.
// Every method is safe for concurrent use by multiple Watchtower replicas.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec chainmodel.Record) (stored chainmodel.Record, alreadyKnown bool, err error)
	Get(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error)
	List(ctx context.Context, f Filter) ([]chainmodel.Record, error)
	ClaimDue(ctx context.Context, chainID uint64, now, leaseTTL int64, owner string, max int) ([]chainmodel.Record, error)
	Complete(ctx context.Context, txHash chainmodel.Hash, chainID uint64, outcome Outcome) error
	MarkStale(ctx context.Context, txHash chainmodel.Hash, chainID *uint64, currentNonce uint64) (chainmodel.Record, error)
	CancelGroup(ctx context.Context, sender chainmodel.Address, groupID chainmodel.GroupID, chainID *uint64) (count int, hashes []chainmodel.Hash, err error)
	Group(ctx context.Context, chainID uint64, sender chainmodel.Address, groupID chainmodel.GroupID) (chainmodel.Group, error)
	Close() error
}

// SQLStore is the sqlite-backed Store.
type SQLStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies any
// pending migrations under migrations/. dsn is a modernc.org/sqlite data
// source, typically a file path or "file::memory:?cache=shared" for tests.
func Open(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(err, "open sqlite store")
	}
	db.SetMaxOpenConns(1) // sqlite writers serialize regardless; avoid SQLITE_BUSY churn
	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return apperr.Wrap(err, "read embedded migrations")
	}
	for _, e := range entries {
		sqlBytes, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return apperr.Wrap(err, "read migration "+e.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return apperr.Wrap(err, "apply migration "+e.Name())
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

const recordColumns = `chain_id, tx_hash, raw_tx, sender, fee_payer, nonce_key, nonce,
	valid_after, valid_before, eligible_at, expires_at, status, group_id,
	next_action_at, lease_owner, lease_until, attempts, last_error,
	last_broadcast_at, receipt, created_at, updated_at`

func (s *SQLStore) InsertIfAbsent(ctx context.Context, rec chainmodel.Record) (chainmodel.Record, bool, error) {
	existing, err := s.Get(ctx, rec.TxHash, &rec.ChainID)
	if err == nil {
		return existing, true, nil
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindNotFound {
		return chainmodel.Record{}, false, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO transactions (`+recordColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, scanArgsFor(rec)...)
	if err != nil {
		return chainmodel.Record{}, false, apperr.Wrap(err, "insert transaction")
	}
	return rec, false, nil
}

func (s *SQLStore) Get(ctx context.Context, txHash chainmodel.Hash, chainID *uint64) (chainmodel.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if chainID != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM transactions WHERE chain_id = ? AND tx_hash = ?`, *chainID, txHash[:])
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM transactions WHERE tx_hash = ?`, txHash[:])
	}
	if err != nil {
		return chainmodel.Record{}, apperr.Wrap(err, "get transaction")
	}
	defer rows.Close()

	var found []chainmodel.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return chainmodel.Record{}, err
		}
		found = append(found, rec)
	}
	switch len(found) {
	case 0:
		return chainmodel.Record{}, apperr.NotFound("NotFound", "no transaction with that hash")
	case 1:
		return found[0], nil
	default:
		return chainmodel.Record{}, apperr.Precondition("Ambiguous", "tx_hash exists on multiple chains; specify chain_id")
	}
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]chainmodel.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	where := []string{"1=1"}
	var args []any
	if f.ChainID != nil {
		where = append(where, "chain_id = ?")
		args = append(args, *f.ChainID)
	}
	if f.Sender != nil {
		where = append(where, "sender = ?")
		args = append(args, f.Sender[:])
	}
	switch {
	case f.Ungrouped:
		where = append(where, "group_id IS NULL")
	case f.GroupID != nil:
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID[:])
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, st := range f.Statuses {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders))
	}
	args = append(args, limit)

	query := `SELECT ` + recordColumns + ` FROM transactions WHERE ` + joinAnd(where) + ` ORDER BY rowid ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, "list transactions")
	}
	defer rows.Close()

	var out []chainmodel.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClaimDue atomically leases up to max due rows for chainID, the way
// Scheduler pulls work ahead of a broadcast attempt.
func (s *SQLStore) ClaimDue(ctx context.Context, chainID uint64, now, leaseTTL int64, owner string, max int) ([]chainmodel.Record, error) {
	leaseUntil := now + leaseTTL
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(err, "begin claim_due")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE transactions
		SET lease_owner = ?, lease_until = ?, status = CASE WHEN status = 'queued' THEN 'broadcasting' ELSE status END
		WHERE rowid IN (
			SELECT rowid FROM transactions
			WHERE chain_id = ?
			  AND status IN ('queued', 'retry_scheduled', 'broadcasting')
			  AND next_action_at <= ?
			  AND (lease_until IS NULL OR lease_until < ?)
			ORDER BY next_action_at ASC
			LIMIT ?
		)
		RETURNING `+recordColumns, owner, leaseUntil, chainID, now, now, max)
	if err != nil {
		return nil, apperr.Wrap(err, "claim_due")
	}

	var out []chainmodel.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(err, "commit claim_due")
	}
	return out, nil
}

// Complete applies exactly one of a reschedule or a terminal transition.
// Transitions out of a terminal state are rejected with AlreadyTerminal.
func (s *SQLStore) Complete(ctx context.Context, txHash chainmodel.Hash, chainID uint64, outcome Outcome) error {
	existing, err := s.Get(ctx, txHash, &chainID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return apperr.AlreadyTerminal("AlreadyTerminal", "transaction already in a terminal state")
	}

	switch {
	case outcome.Reschedule != nil:
		r := outcome.Reschedule
		status := r.Status
		if status == "" {
			status = chainmodel.StatusRetryScheduled
		}
		_, err := s.db.ExecContext(ctx, `UPDATE transactions
			SET status = ?, next_action_at = ?, last_error = ?,
			    attempts = attempts + 1, lease_owner = NULL, lease_until = NULL, updated_at = ?
			WHERE chain_id = ? AND tx_hash = ?`,
			string(status), r.NextActionAt, r.LastError, chainmodel.Now(), chainID, txHash[:])
		if err != nil {
			return apperr.Wrap(err, "reschedule transaction")
		}
		return nil

	case outcome.Terminal != nil:
		term := outcome.Terminal
		_, err := s.db.ExecContext(ctx, `UPDATE transactions
			SET status = ?, receipt = ?, next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = ?
			WHERE chain_id = ? AND tx_hash = ?`,
			string(term.Status), nullableJSON(term.Receipt), chainmodel.Now(), chainID, txHash[:])
		if err != nil {
			return apperr.Wrap(err, "terminate transaction")
		}
		return nil

	default:
		return apperr.Malformed("MalformedOutcome", "outcome must set Reschedule or Terminal")
	}
}

// MarkStale transitions a row to stale_by_nonce when the caller's observed
// current_nonce has overtaken the row's own nonce. Ingest supplies the
// Watcher's cached observation here, never a live chain read from inside
// Store.
func (s *SQLStore) MarkStale(ctx context.Context, txHash chainmodel.Hash, chainID *uint64, currentNonce uint64) (chainmodel.Record, error) {
	rec, err := s.Get(ctx, txHash, chainID)
	if err != nil {
		return chainmodel.Record{}, err
	}
	if rec.Status.Terminal() {
		return chainmodel.Record{}, apperr.AlreadyTerminal("AlreadyTerminal", "transaction already in a terminal state")
	}
	if currentNonce <= rec.Nonce {
		return chainmodel.Record{}, apperr.Precondition("NotStale", "current nonce has not overtaken this transaction")
	}

	_, err = s.db.ExecContext(ctx, `UPDATE transactions
		SET status = 'stale_by_nonce', next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = ?
		WHERE chain_id = ? AND tx_hash = ?`, chainmodel.Now(), rec.ChainID, txHash[:])
	if err != nil {
		return chainmodel.Record{}, apperr.Wrap(err, "mark_stale")
	}
	rec.Status = chainmodel.StatusStaleByNonce
	rec.NextActionAt = nil
	rec.LeaseOwner, rec.LeaseUntil = nil, nil
	return rec, nil
}

// CancelGroup marks every non-terminal member of (sender, group_id)
// canceled_locally, clearing raw_tx and next_action_at. Already-terminal
// members are silently skipped from the count.
func (s *SQLStore) CancelGroup(ctx context.Context, sender chainmodel.Address, groupID chainmodel.GroupID, chainID *uint64) (int, []chainmodel.Hash, error) {
	where := "sender = ? AND group_id = ? AND status NOT IN ('executed','expired','invalid','stale_by_nonce','canceled_locally')"
	args := []any{sender[:], groupID[:]}
	if chainID != nil {
		where += " AND chain_id = ?"
		args = append(args, *chainID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tx_hash FROM transactions WHERE `+where, args...)
	if err != nil {
		return 0, nil, apperr.Wrap(err, "cancel_group select")
	}
	var hashes []chainmodel.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, nil, apperr.Wrap(err, "cancel_group scan")
		}
		var h chainmodel.Hash
		copy(h[:], raw)
		hashes = append(hashes, h)
	}
	rows.Close()
	if len(hashes) == 0 {
		return 0, nil, nil
	}

	updArgs := append([]any{chainmodel.Now()}, args...)
	_, err = s.db.ExecContext(ctx, `UPDATE transactions
		SET status = 'canceled_locally', raw_tx = NULL, next_action_at = NULL, lease_owner = NULL, lease_until = NULL, updated_at = ?
		WHERE `+where, updArgs...)
	if err != nil {
		return 0, nil, apperr.Wrap(err, "cancel_group update")
	}
	return len(hashes), hashes, nil
}

// Group assembles the derived aggregate for (chain_id, sender, group_id).
func (s *SQLStore) Group(ctx context.Context, chainID uint64, sender chainmodel.Address, groupID chainmodel.GroupID) (chainmodel.Group, error) {
	gid := groupID
	members, err := s.List(ctx, Filter{ChainID: &chainID, Sender: &sender, GroupID: &gid, Limit: maxListLimit})
	if err != nil {
		return chainmodel.Group{}, err
	}
	if len(members) == 0 {
		return chainmodel.Group{}, apperr.NotFound("NotFound", "no such group")
	}
	return chainmodel.Derive(chainID, sender, groupID, members), nil
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
