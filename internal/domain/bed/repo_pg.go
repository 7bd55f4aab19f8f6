package bed

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/ipd/internal/domain/ward"
	"github.com/ehr/ipd/internal/platform/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const bedCols = `id, code, ward_name, room_category, daily_rate, status, admission_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, b *Bed) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bed (id, code, ward_name, room_category, daily_rate, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		b.ID, b.Code, b.WardName, b.RoomCategory, b.DailyRate, b.Status,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return classify(err, b.RoomCategory)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM bed WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Bed, int, error) {
	where := ` WHERE ($1 = '' OR status = $1) AND ($2 = '' OR room_category = $2)`
	args := []interface{}{string(f.Status), string(f.RoomCategory)}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bed`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+bedCols+` FROM bed`+where+` ORDER BY code LIMIT $3 OFFSET $4`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var beds []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, 0, err
		}
		beds = append(beds, b)
	}
	return beds, total, rows.Err()
}

func (r *repoPG) Reserve(ctx context.Context, id, admissionID uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE bed SET status = 'OCCUPIED', admission_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'AVAILABLE'
		RETURNING `+bedCols, id, admissionID))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ward.ErrNotFound) {
		return nil, fmt.Errorf("reserve bed %s: %w", id, err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ward.ErrBedUnavailable
}

func (r *repoPG) Release(ctx context.Context, id, heldBy uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `
		UPDATE bed SET status = 'AVAILABLE', admission_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'OCCUPIED' AND ($2::uuid IS NULL OR admission_id = $2)
		RETURNING `+bedCols, id, nullableID(heldBy)))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ward.ErrNotFound) {
		return nil, fmt.Errorf("release bed %s: %w", id, err)
	}
	return r.GetByID(ctx, id)
}

func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func classify(err error, category ward.RoomCategory) error {
	if err == nil {
		return nil
	}
	if name, ok := db.CheckViolation(err); ok && name == "bed_room_category_check" {
		return &ward.ConstraintError{
			Constraint: name,
			Field:      "room_category",
			Value:      string(category),
			Accepted:   ward.RoomCategoryValues(),
		}
	}
	if _, ok := db.UniqueViolation(err); ok {
		return ward.Invalid("code", "a bed with this code already exists")
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBed(row rowScanner) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.Code, &b.WardName, &b.RoomCategory, &b.DailyRate,
		&b.Status, &b.AdmissionID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ward.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
