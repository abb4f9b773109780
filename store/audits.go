package store

import (
	"context"
	"fmt"

	"github.com/GEO-Project/network-client/state"
)

// AuditRecord is a trust line snapshot signed by both sides. Signatures are
// stored in their encoded form.
type AuditRecord struct {
	Key                 state.LineKey
	Snapshot            state.AuditSnapshot
	OwnSignature        []byte
	ContractorSignature []byte
}

func (t *Tx) PutAudit(ctx context.Context, a AuditRecord) error {
	err := t.exec(ctx, `INSERT INTO audits (contractor, equivalent, audit_number, incoming_amount, outgoing_amount, balance, own_signature, contractor_signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contractor, equivalent, audit_number) DO UPDATE SET
			own_signature = excluded.own_signature,
			contractor_signature = excluded.contractor_signature`,
		string(a.Key.Contractor), int64(a.Key.Equivalent), int64(a.Snapshot.AuditNumber),
		a.Snapshot.IncomingAmount, a.Snapshot.OutgoingAmount, a.Snapshot.Balance,
		a.OwnSignature, a.ContractorSignature)
	if err != nil {
		return storageErr(fmt.Sprintf("writing audit %d of %s", a.Snapshot.AuditNumber, a.Key), err)
	}
	return nil
}

// LatestAudit returns the audit with the highest number for the line. The
// bool is false if the line was never audited.
func (t *Tx) LatestAudit(ctx context.Context, key state.LineKey) (AuditRecord, bool, error) {
	rows, err := t.query(ctx, `SELECT audit_number, incoming_amount, outgoing_amount, balance, own_signature, contractor_signature
		FROM audits WHERE contractor = ? AND equivalent = ? ORDER BY audit_number DESC LIMIT 1`,
		string(key.Contractor), int64(key.Equivalent))
	if err != nil {
		return AuditRecord{}, false, storageErr(fmt.Sprintf("reading audits of %s", key), err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return AuditRecord{}, false, storageErr(fmt.Sprintf("reading audits of %s", key), err)
		}
		return AuditRecord{}, false, nil
	}
	a := AuditRecord{Key: key}
	a.Snapshot.Equivalent = key.Equivalent
	var auditNumber int64
	err = rows.Scan(&auditNumber, &a.Snapshot.IncomingAmount, &a.Snapshot.OutgoingAmount, &a.Snapshot.Balance, &a.OwnSignature, &a.ContractorSignature)
	if err != nil {
		return AuditRecord{}, false, storageErr(fmt.Sprintf("reading audits of %s", key), err)
	}
	a.Snapshot.AuditNumber = uint64(auditNumber)
	return a, true, nil
}

func (s *Store) LatestAudit(ctx context.Context, key state.LineKey) (AuditRecord, bool, error) {
	var (
		a  AuditRecord
		ok bool
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		a, ok, err = tx.LatestAudit(ctx, key)
		return err
	})
	return a, ok, err
}
