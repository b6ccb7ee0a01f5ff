package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

// sqlite surfaces foreign-key rejections as generic errors; callers map this
// to the "cannot delete, has dependents" user message.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key constraint")
}

func (r Repo) InsertProvider(ctx context.Context, p domain.Provider) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO providers(id,name,tax_id,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.TaxID, p.CreatedAt)
	return err
}

func (r Repo) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	var p domain.Provider
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,tax_id,created_at FROM providers WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.TaxID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,tax_id,created_at FROM providers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provider
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.TaxID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) DeleteProvider(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertZone(ctx context.Context, z domain.Zone) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO zones(id,project_id,name) VALUES (?,?,?)`, z.ID, z.ProjectID, z.Name)
	return err
}

func (r Repo) GetZone(ctx context.Context, id string) (domain.Zone, error) {
	var z domain.Zone
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name FROM zones WHERE id=?`, id).
		Scan(&z.ID, &z.ProjectID, &z.Name)
	if err == sql.ErrNoRows {
		return z, ErrNotFound
	}
	return z, err
}

func (r Repo) ListZones(ctx context.Context, projectID string) ([]domain.Zone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name FROM zones WHERE project_id=? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Zone
	for rows.Next() {
		var z domain.Zone
		if err := rows.Scan(&z.ID, &z.ProjectID, &z.Name); err != nil {
			return nil, err
		}
		res = append(res, z)
	}
	return res, nil
}

func (r Repo) InsertSegment(ctx context.Context, s domain.Segment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO segments(id,zone_id,name) VALUES (?,?,?)`, s.ID, s.ZoneID, s.Name)
	return err
}

func (r Repo) GetSegment(ctx context.Context, id string) (domain.Segment, error) {
	var s domain.Segment
	err := r.DB.QueryRowContext(ctx, `SELECT id,zone_id,name FROM segments WHERE id=?`, id).
		Scan(&s.ID, &s.ZoneID, &s.Name)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSegments(ctx context.Context, zoneID string) ([]domain.Segment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,zone_id,name FROM segments WHERE zone_id=? ORDER BY name ASC`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Segment
	for rows.Next() {
		var s domain.Segment
		if err := rows.Scan(&s.ID, &s.ZoneID, &s.Name); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activities(id,project_id,name,unit,sale_price,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Name, a.Unit, a.SalePrice.String(), a.CreatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	var a domain.Activity
	var price string
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,unit,sale_price,created_at FROM activities WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.Name, &a.Unit, &price, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.SalePrice, err = scanDecimal(price)
	return a, err
}

func (r Repo) ListActivities(ctx context.Context, projectID string) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,unit,sale_price,created_at FROM activities WHERE project_id=? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var price string
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Unit, &price, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.SalePrice, err = scanDecimal(price); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) DeleteActivity(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM activities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSubActivity(ctx context.Context, s domain.SubActivity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sub_activities(id,activity_id,name,unit,sale_price,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ActivityID, s.Name, s.Unit, s.SalePrice.String(), s.CreatedAt)
	return err
}

func (r Repo) GetSubActivity(ctx context.Context, id string) (domain.SubActivity, error) {
	var s domain.SubActivity
	var price string
	err := r.DB.QueryRowContext(ctx, `SELECT id,activity_id,name,unit,sale_price,created_at FROM sub_activities WHERE id=?`, id).
		Scan(&s.ID, &s.ActivityID, &s.Name, &s.Unit, &price, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.SalePrice, err = scanDecimal(price)
	return s, err
}

func (r Repo) ListSubActivities(ctx context.Context, activityID string) ([]domain.SubActivity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,name,unit,sale_price,created_at FROM sub_activities WHERE activity_id=? ORDER BY name ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubActivity
	for rows.Next() {
		var s domain.SubActivity
		var price string
		if err := rows.Scan(&s.ID, &s.ActivityID, &s.Name, &s.Unit, &price, &s.CreatedAt); err != nil {
			return nil, err
		}
		if s.SalePrice, err = scanDecimal(price); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) DeleteSubActivity(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sub_activities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
