package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

const statementColumns = `id,project_id,code,COALESCE(name,''),state,provider_id,created_at,updated_at`

func scanStatement(row taskScanner) (domain.PaymentStatement, error) {
	var s domain.PaymentStatement
	var providerID sql.NullString
	err := row.Scan(&s.ID, &s.ProjectID, &s.Code, &s.Name, &s.State, &providerID, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ProviderID = strOrNil(providerID)
	return s, nil
}

func (r Repo) InsertStatementTx(ctx context.Context, tx *sql.Tx, s domain.PaymentStatement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_statements(id,project_id,code,name,state,provider_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Code, nullable(s.Name), s.State, nullableStringPtr(s.ProviderID), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStatementTx(ctx context.Context, tx *sql.Tx, s domain.PaymentStatement) error {
	_, err := tx.ExecContext(ctx, `UPDATE payment_statements SET code=?,name=?,state=?,provider_id=?,updated_at=? WHERE id=?`,
		s.Code, nullable(s.Name), s.State, nullableStringPtr(s.ProviderID), s.UpdatedAt, s.ID)
	return err
}

func (r Repo) GetStatement(ctx context.Context, id string) (domain.PaymentStatement, error) {
	return scanStatement(r.DB.QueryRowContext(ctx, `SELECT `+statementColumns+` FROM payment_statements WHERE id=?`, id))
}

func (r Repo) GetStatementTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentStatement, error) {
	return scanStatement(tx.QueryRowContext(ctx, `SELECT `+statementColumns+` FROM payment_statements WHERE id=?`, id))
}

// FindDraftForProviderTx returns the provider's open draft, if any.
func (r Repo) FindDraftForProviderTx(ctx context.Context, tx *sql.Tx, projectID, providerID string) (domain.PaymentStatement, error) {
	return scanStatement(tx.QueryRowContext(ctx, `SELECT `+statementColumns+` FROM payment_statements
WHERE project_id=? AND provider_id=? AND state=? ORDER BY created_at ASC LIMIT 1`,
		projectID, providerID, domain.StatementDraft))
}

// FindUnownedDraftTx returns the oldest draft not yet tied to any provider.
func (r Repo) FindUnownedDraftTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.PaymentStatement, error) {
	return scanStatement(tx.QueryRowContext(ctx, `SELECT `+statementColumns+` FROM payment_statements
WHERE project_id=? AND provider_id IS NULL AND state=? ORDER BY created_at ASC LIMIT 1`,
		projectID, domain.StatementDraft))
}

// StatementCodesTx lists every code already used in the project, for
// sequence-number derivation.
func (r Repo) StatementCodesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT code FROM payment_statements WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		res = append(res, code)
	}
	return res, nil
}

type StatementFilters struct {
	ProjectID  string
	ProviderID string
	State      string
}

func (r Repo) ListStatements(ctx context.Context, f StatementFilters) ([]domain.PaymentStatement, error) {
	query := `SELECT ` + statementColumns + ` FROM payment_statements WHERE project_id=?`
	args := []any{f.ProjectID}
	if f.ProviderID != "" {
		query += ` AND provider_id=?`
		args = append(args, f.ProviderID)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentStatement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) DeleteStatementTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM payment_statements WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
