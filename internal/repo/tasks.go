package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const taskColumns = `id,project_id,provider_id,activity_id,sub_activity_id,zone_id,segment_id,state,position,
planned_qty,actual_qty,unit_cost,unit_price,assigned_at,est_completion_at,completed_at,comment,evidence_url,
latitude,longitude,photo_url,start_point,end_point,statement_id,created_at,updated_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var activityID, subActivityID, segmentID, actualQty, estCompletion, completedAt, comment, evidenceURL sql.NullString
	var photoURL, startPoint, endPoint, statementID sql.NullString
	var lat, lng sql.NullFloat64
	var plannedQty, unitCost, unitPrice string
	err := row.Scan(&t.ID, &t.ProjectID, &t.ProviderID, &activityID, &subActivityID, &t.ZoneID, &segmentID, &t.State, &t.Position,
		&plannedQty, &actualQty, &unitCost, &unitPrice, &t.AssignedAt, &estCompletion, &completedAt, &comment, &evidenceURL,
		&lat, &lng, &photoURL, &startPoint, &endPoint, &statementID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ActivityID = strOrNil(activityID)
	t.SubActivityID = strOrNil(subActivityID)
	t.SegmentID = strOrNil(segmentID)
	t.EstCompletionAt = strOrNil(estCompletion)
	t.CompletedAt = strOrNil(completedAt)
	if comment.Valid {
		t.Comment = comment.String
	}
	t.EvidenceURL = strOrNil(evidenceURL)
	t.StartPoint = strOrNil(startPoint)
	t.EndPoint = strOrNil(endPoint)
	t.StatementID = strOrNil(statementID)
	if lat.Valid && lng.Valid {
		t.Geolocation = &domain.Geolocation{Latitude: lat.Float64, Longitude: lng.Float64}
		if photoURL.Valid {
			t.Geolocation.PhotoURL = photoURL.String
		}
	}
	if t.PlannedQty, err = scanDecimal(plannedQty); err != nil {
		return t, err
	}
	if t.ActualQty, err = decimalPtr(actualQty); err != nil {
		return t, err
	}
	if t.UnitCost, err = scanDecimal(unitCost); err != nil {
		return t, err
	}
	if t.UnitPrice, err = scanDecimal(unitPrice); err != nil {
		return t, err
	}
	return t, nil
}

func taskArgs(t domain.Task) []any {
	var lat, lng any
	var photo any
	if t.Geolocation != nil {
		lat = t.Geolocation.Latitude
		lng = t.Geolocation.Longitude
		photo = nullable(t.Geolocation.PhotoURL)
	}
	return []any{
		t.ProjectID, t.ProviderID, nullableStringPtr(t.ActivityID), nullableStringPtr(t.SubActivityID), t.ZoneID,
		nullableStringPtr(t.SegmentID), t.State, t.Position, t.PlannedQty.String(), nullableDecimalPtr(t.ActualQty),
		t.UnitCost.String(), t.UnitPrice.String(), t.AssignedAt, nullableStringPtr(t.EstCompletionAt),
		nullableStringPtr(t.CompletedAt), nullable(t.Comment), nullableStringPtr(t.EvidenceURL),
		lat, lng, photo, nullableStringPtr(t.StartPoint), nullableStringPtr(t.EndPoint),
		nullableStringPtr(t.StatementID), t.CreatedAt, t.UpdatedAt,
	}
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args := append([]any{t.ID}, taskArgs(t)...)
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args := append(taskArgs(t), t.ID)
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET project_id=?,provider_id=?,activity_id=?,sub_activity_id=?,zone_id=?,
segment_id=?,state=?,position=?,planned_qty=?,actual_qty=?,unit_cost=?,unit_price=?,assigned_at=?,est_completion_at=?,
completed_at=?,comment=?,evidence_url=?,latitude=?,longitude=?,photo_url=?,start_point=?,end_point=?,statement_id=?,
created_at=?,updated_at=? WHERE id=?`, args...)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProjectID   string
	ProviderID  string
	State       string
	ZoneID      string
	StatementID string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id=?")
		args = append(args, f.ProviderID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.ZoneID != "" {
		clauses = append(clauses, "zone_id=?")
		args = append(args, f.ZoneID)
	}
	if f.StatementID != "" {
		clauses = append(clauses, "statement_id=?")
		args = append(args, f.StatementID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY state ASC, position ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// PartitionPositions returns the ordering keys for a project+state board
// partition in ascending order, excluding the given task (the item being
// moved must not count as its own neighbor).
func (r Repo) PartitionPositions(ctx context.Context, projectID, state, excludeTaskID string) ([]float64, error) {
	query := `SELECT position FROM tasks WHERE project_id=? AND state=?`
	args := []any{projectID, state}
	if excludeTaskID != "" {
		query += ` AND id<>?`
		args = append(args, excludeTaskID)
	}
	query += ` ORDER BY position ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) CountTasksByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tasks WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, nil
}
