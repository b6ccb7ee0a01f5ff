package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

const tariffColumns = `id,project_id,provider_id,item_id,item_kind,unit_cost,created_at`

func scanTariff(row taskScanner) (domain.Tariff, error) {
	var t domain.Tariff
	var unitCost string
	err := row.Scan(&t.ID, &t.ProjectID, &t.ProviderID, &t.ItemID, &t.ItemKind, &unitCost, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.UnitCost, err = scanDecimal(unitCost)
	return t, err
}

// GetTariffByTriple resolves the single tariff for a (project, provider,
// billable item) triple.
func (r Repo) GetTariffByTriple(ctx context.Context, projectID, providerID, itemID, itemKind string) (domain.Tariff, error) {
	return scanTariff(r.DB.QueryRowContext(ctx, `SELECT `+tariffColumns+` FROM tariffs
WHERE project_id=? AND provider_id=? AND item_id=? AND item_kind=?`, projectID, providerID, itemID, itemKind))
}

// DeleteTariffsByTripleTx removes every tariff row for the triple. Paired
// with InsertTariffTx inside one transaction it keeps the set exclusive.
func (r Repo) DeleteTariffsByTripleTx(ctx context.Context, tx *sql.Tx, projectID, providerID, itemID, itemKind string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tariffs WHERE project_id=? AND provider_id=? AND item_id=? AND item_kind=?`,
		projectID, providerID, itemID, itemKind)
	return err
}

func (r Repo) InsertTariffTx(ctx context.Context, tx *sql.Tx, t domain.Tariff) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tariffs(`+tariffColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.ProviderID, t.ItemID, t.ItemKind, t.UnitCost.String(), t.CreatedAt)
	return err
}

func (r Repo) DeleteTariff(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tariffs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTariffs(ctx context.Context, projectID, providerID string) ([]domain.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE project_id=?`
	args := []any{projectID}
	if providerID != "" {
		query += ` AND provider_id=?`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}
