package store

import (
	"database/sql"
	"encoding/json"

	"watchtower/internal/chainmodel"
)

// scanArgsFor lays out a Record's fields in recordColumns order for an
// INSERT. Nullable columns use the typed nil conventions database/sql
// understands for each Go type.
func scanArgsFor(r chainmodel.Record) []any {
	var feePayer any
	if r.FeePayer != nil {
		feePayer = r.FeePayer[:]
	}
	var groupID any
	if r.GroupID != nil {
		groupID = r.GroupID[:]
	}
	return []any{
		r.ChainID,
		r.TxHash[:],
		r.RawTx,
		r.Sender[:],
		feePayer,
		r.NonceKey[:],
		r.Nonce,
		r.ValidAfter,
		r.ValidBefore,
		r.EligibleAt,
		r.ExpiresAt,
		string(r.Status),
		groupID,
		r.NextActionAt,
		r.LeaseOwner,
		r.LeaseUntil,
		r.Attempts,
		nullString(r.LastError),
		r.LastBroadcastAt,
		nullableJSON(r.Receipt),
		r.CreatedAt,
		r.UpdatedAt,
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is the subset of *sql.Row / *sql.Rows that Scan needs.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row in recordColumns order into a Record.
func scanRecord(row rowScanner) (chainmodel.Record, error) {
	var (
		r                                       chainmodel.Record
		txHash, sender, nonceKey                []byte
		feePayer, groupID                       []byte
		status                                  string
		validAfter, validBefore, expiresAt      sql.NullInt64
		nextActionAt, leaseUntil, lastBroadcast sql.NullInt64
		leaseOwner, lastError                   sql.NullString
		receipt                                 sql.NullString
	)

	if err := row.Scan(
		&r.ChainID,
		&txHash,
		&r.RawTx,
		&sender,
		&feePayer,
		&nonceKey,
		&r.Nonce,
		&validAfter,
		&validBefore,
		&r.EligibleAt,
		&expiresAt,
		&status,
		&groupID,
		&nextActionAt,
		&leaseOwner,
		&leaseUntil,
		&r.Attempts,
		&lastError,
		&lastBroadcast,
		&receipt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return chainmodel.Record{}, err
	}

	copy(r.TxHash[:], txHash)
	copy(r.Sender[:], sender)
	copy(r.NonceKey[:], nonceKey)
	r.Status = chainmodel.Status(status)

	if len(feePayer) == 20 {
		var a chainmodel.Address
		copy(a[:], feePayer)
		r.FeePayer = &a
	}
	if len(groupID) == 16 {
		var g chainmodel.GroupID
		copy(g[:], groupID)
		r.GroupID = &g
	}
	if validAfter.Valid {
		v := validAfter.Int64
		r.ValidAfter = &v
	}
	if validBefore.Valid {
		v := validBefore.Int64
		r.ValidBefore = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		r.ExpiresAt = &v
	}
	if nextActionAt.Valid {
		v := nextActionAt.Int64
		r.NextActionAt = &v
	}
	if leaseUntil.Valid {
		v := leaseUntil.Int64
		r.LeaseUntil = &v
	}
	if leaseOwner.Valid {
		r.LeaseOwner = &leaseOwner.String
	}
	if lastError.Valid {
		r.LastError = lastError.String
	}
	if lastBroadcast.Valid {
		v := lastBroadcast.Int64
		r.LastBroadcastAt = &v
	}
	if receipt.Valid {
		r.Receipt = json.RawMessage(receipt.String)
	}

	return r, nil
}
