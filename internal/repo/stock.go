package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"fieldline/internal/domain"
)

const consumptionColumns = `id,task_id,product_code,product_name,quantity,unit,COALESCE(zone_label,''),COALESCE(segment_label,''),created_at`

func scanConsumption(row taskScanner) (domain.StockConsumption, error) {
	var c domain.StockConsumption
	var qty string
	err := row.Scan(&c.ID, &c.TaskID, &c.ProductCode, &c.ProductName, &qty, &c.Unit, &c.ZoneLabel, &c.SegmentLabel, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Quantity, err = scanDecimal(qty)
	return c, err
}

func (r Repo) InsertConsumptionTx(ctx context.Context, tx *sql.Tx, c domain.StockConsumption) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stock_consumptions(id,task_id,product_code,product_name,quantity,unit,zone_label,segment_label,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.ProductCode, c.ProductName, c.Quantity.String(), c.Unit,
		nullable(c.ZoneLabel), nullable(c.SegmentLabel), c.CreatedAt)
	return err
}

func (r Repo) GetConsumption(ctx context.Context, id string) (domain.StockConsumption, error) {
	return scanConsumption(r.DB.QueryRowContext(ctx, `SELECT `+consumptionColumns+` FROM stock_consumptions WHERE id=?`, id))
}

func (r Repo) DeleteConsumptionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM stock_consumptions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListConsumptionsByTask(ctx context.Context, taskID string) ([]domain.StockConsumption, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+consumptionColumns+` FROM stock_consumptions
WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StockConsumption
	for rows.Next() {
		c, err := scanConsumption(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// ConsumedByProduct sums recorded consumption per product code across all of a
// provider's tasks in the project. Regressed tasks hold no consumption rows,
// so the sum reflects live work only.
func (r Repo) ConsumedByProduct(ctx context.Context, projectID, providerID string) (map[string]decimal.Decimal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT c.product_code, c.quantity FROM stock_consumptions c
JOIN tasks t ON t.id = c.task_id WHERE t.project_id=? AND t.provider_id=?`, projectID, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]decimal.Decimal{}
	for rows.Next() {
		var code, qty string
		if err := rows.Scan(&code, &qty); err != nil {
			return nil, err
		}
		d, err := scanDecimal(qty)
		if err != nil {
			return nil, err
		}
		res[code] = res[code].Add(d)
	}
	return res, nil
}
