package repo

import (
	"context"
	"database/sql"

	"opencawt/internal/domain"
)

const sealColumns = `case_id,seal_status,verdict_hash,transcript_root_hash,jury_selection_proof_hash,asset_id,tx_sig,sealed_uri,root_seq_no,attempts,last_error,updated_at`

func scanSeal(row caseScanner) (domain.SealInfo, error) {
	var s domain.SealInfo
	var asset, txSig, uri, lastErr sql.NullString
	err := row.Scan(&s.CaseID, &s.SealStatus, &s.VerdictHash, &s.TranscriptRootHash, &s.JurySelectionProofHash,
		&asset, &txSig, &uri, &s.RootSeqNo, &s.Attempts, &lastErr, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if asset.Valid {
		s.AssetID = &asset.String
	}
	if txSig.Valid {
		s.TxSig = &txSig.String
	}
	if uri.Valid {
		s.SealedURI = &uri.String
	}
	if lastErr.Valid {
		s.LastError = &lastErr.String
	}
	return s, nil
}

func (r Repo) GetSeal(ctx context.Context, caseID string) (domain.SealInfo, error) {
	return scanSeal(r.DB.QueryRowContext(ctx, `SELECT `+sealColumns+` FROM seals WHERE case_id=?`, caseID))
}

func (r Repo) UpsertSealTx(ctx context.Context, tx *sql.Tx, s domain.SealInfo) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO seals(case_id,seal_status,verdict_hash,transcript_root_hash,jury_selection_proof_hash,asset_id,tx_sig,sealed_uri,root_seq_no,attempts,last_error,updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(case_id) DO UPDATE SET
		 seal_status=excluded.seal_status, verdict_hash=excluded.verdict_hash,
		 transcript_root_hash=excluded.transcript_root_hash, jury_selection_proof_hash=excluded.jury_selection_proof_hash,
		 asset_id=excluded.asset_id, tx_sig=excluded.tx_sig, sealed_uri=excluded.sealed_uri,
		 root_seq_no=excluded.root_seq_no, attempts=excluded.attempts, last_error=excluded.last_error,
		 updated_at=excluded.updated_at`,
		s.CaseID, s.SealStatus, s.VerdictHash, s.TranscriptRootHash, s.JurySelectionProofHash,
		nullableStringPtr(s.AssetID), nullableStringPtr(s.TxSig), nullableStringPtr(s.SealedURI),
		s.RootSeqNo, s.Attempts, nullableStringPtr(s.LastError), s.UpdatedAt)
	return err
}

func (r Repo) UpsertSeal(ctx context.Context, s domain.SealInfo) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertSealTx(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkTxResolved records an asset resolution that arrived out of band (the
// helius webhook) so the polling loop can pick it up without another fetch.
func (r Repo) MarkTxResolved(ctx context.Context, txSig, assetID, uri, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE seals SET asset_id=?, sealed_uri=?, updated_at=? WHERE tx_sig=? AND asset_id IS NULL`,
		assetID, uri, updatedAt, txSig)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
