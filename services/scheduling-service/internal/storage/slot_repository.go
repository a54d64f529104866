package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/imescheduling/libs/db"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/apperrors"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/imescheduling/services/scheduling-service/internal/window"
)

// Tx is the set of slot operations available inside a resource-scoped transaction.
type Tx interface {
	FindConflicting(ctx context.Context, w window.TimeWindow, resourceRef, excludeID string) ([]model.Slot, error)
	FindOverlappingAny(ctx context.Context, resourceRef string, w window.TimeWindow) ([]model.Slot, error)
	FindAvailableExact(ctx context.Context, resourceRef string, w window.TimeWindow) (model.Slot, bool, error)
	GetForUpdate(ctx context.Context, slotID string) (model.Slot, error)
	CreateBooked(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error)
	CreateRequested(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error)
	CreateAvailable(ctx context.Context, resourceRef string, w window.TimeWindow) (model.Slot, error)
	TransitionToBooked(ctx context.Context, slotID, ownerRef string) (model.Slot, error)
	UpdateWindow(ctx context.Context, slotID string, w window.TimeWindow) (model.Slot, error)
	SoftDelete(ctx context.Context, slotID string) error
	// SoftDeleteRequested withdraws the owner's live REQUESTED slots except keepID and
	// clears their owner. It returns the number of slots withdrawn.
	SoftDeleteRequested(ctx context.Context, ownerRef, keepID string) (int64, error)
}

type SlotRepository struct {
	pool *db.Pool
}

func NewSlotRepository(pool *db.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

const slotColumns = `id::text, resource_ref, start_time, duration_minutes, status,
	COALESCE(owner_ref, ''), deleted_at, created_at, updated_at`

// InResourceTx runs fn in a read-committed transaction holding the advisory lock of
// resourceRef. Writers on the same resource are serialized; other resources proceed.
// Constraint and serialization failures surface as *apperrors.SlotConflictError, other
// database failures as *apperrors.TransientInfraError.
func (r *SlotRepository) InResourceTx(ctx context.Context, resourceRef string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return apperrors.Transient("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, resourceRef); err != nil {
		return apperrors.Transient("lock resource", err)
	}
	if err := fn(ctx, &slotTx{tx: tx}); err != nil {
		return classify(resourceRef, "slot transaction", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(resourceRef, "commit", err)
	}
	return nil
}

func classify(resourceRef, op string, err error) error {
	if IsConflict(err) || IsSerializationFailure(err) {
		return &apperrors.SlotConflictError{ResourceRef: resourceRef}
	}
	return apperrors.Transient(op, err)
}

func (r *SlotRepository) GetSlot(ctx context.Context, slotID string) (model.Slot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id::text = $1`, slotID))
	if IsNotFound(err) {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	if err != nil {
		return model.Slot{}, apperrors.Transient("get slot", err)
	}
	return s, nil
}

// ListSlots returns live slots of resourceRef overlapping [from, to). An empty
// statuses list matches every status.
func (r *SlotRepository) ListSlots(ctx context.Context, resourceRef string, from, to time.Time, statuses ...model.Status) ([]model.Slot, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE resource_ref = $1
			AND deleted_at IS NULL
			AND start_time < $3
			AND end_time > $2
			AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
		ORDER BY start_time ASC
	`, resourceRef, from, to, names)
	if err != nil {
		return nil, apperrors.Transient("list slots", err)
	}
	slots, err := collectSlots(rows)
	if err != nil {
		return nil, apperrors.Transient("list slots", err)
	}
	return slots, nil
}

func (r *SlotRepository) ListAvailabilityBlocks(ctx context.Context, resourceRef string, weekday time.Weekday) ([]model.AvailabilityBlock, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_ref, weekday, start_time, end_time
		FROM resource_availability_blocks
		WHERE resource_ref = $1 AND weekday = $2
		ORDER BY created_at ASC
	`, resourceRef, int(weekday))
	if err != nil {
		return nil, apperrors.Transient("list availability blocks", err)
	}
	defer rows.Close()

	var blocks []model.AvailabilityBlock
	for rows.Next() {
		var b model.AvailabilityBlock
		var wd int16
		if err := rows.Scan(&b.ResourceRef, &wd, &b.StartTime, &b.EndTime); err != nil {
			return nil, apperrors.Transient("scan availability block", err)
		}
		b.Weekday = time.Weekday(wd)
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("list availability blocks", err)
	}
	return blocks, nil
}

type slotTx struct {
	tx pgx.Tx
}

func (t *slotTx) FindConflicting(ctx context.Context, w window.TimeWindow, resourceRef, excludeID string) ([]model.Slot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE resource_ref = $1
			AND status = 'BOOKED'
			AND deleted_at IS NULL
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id::text <> $4)
		ORDER BY start_time ASC
	`, resourceRef, w.Start(), w.End(), excludeID)
	if err != nil {
		return nil, fmt.Errorf("find conflicting: %w", err)
	}
	return collectSlots(rows)
}

func (t *slotTx) FindOverlappingAny(ctx context.Context, resourceRef string, w window.TimeWindow) ([]model.Slot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE resource_ref = $1
			AND deleted_at IS NULL
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, resourceRef, w.Start(), w.End())
	if err != nil {
		return nil, fmt.Errorf("find overlapping: %w", err)
	}
	return collectSlots(rows)
}

func (t *slotTx) FindAvailableExact(ctx context.Context, resourceRef string, w window.TimeWindow) (model.Slot, bool, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE resource_ref = $1
			AND status = 'AVAILABLE'
			AND deleted_at IS NULL
			AND start_time = $2
			AND end_time = $3
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`, resourceRef, w.Start(), w.End()))
	if IsNotFound(err) {
		return model.Slot{}, false, nil
	}
	if err != nil {
		return model.Slot{}, false, fmt.Errorf("find available slot: %w", err)
	}
	return s, true, nil
}

func (t *slotTx) GetForUpdate(ctx context.Context, slotID string) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id::text = $1 FOR UPDATE`, slotID))
	if IsNotFound(err) {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("get slot for update: %w", err)
	}
	return s, nil
}

func (t *slotTx) CreateBooked(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error) {
	return t.insert(ctx, resourceRef, w, model.StatusBooked, ownerRef)
}

func (t *slotTx) CreateRequested(ctx context.Context, resourceRef string, w window.TimeWindow, ownerRef string) (model.Slot, error) {
	return t.insert(ctx, resourceRef, w, model.StatusRequested, ownerRef)
}

func (t *slotTx) CreateAvailable(ctx context.Context, resourceRef string, w window.TimeWindow) (model.Slot, error) {
	return t.insert(ctx, resourceRef, w, model.StatusAvailable, "")
}

func (t *slotTx) insert(ctx context.Context, resourceRef string, w window.TimeWindow, status model.Status, ownerRef string) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		INSERT INTO slots (resource_ref, start_time, end_time, duration_minutes, status, owner_ref)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING `+slotColumns,
		resourceRef, w.Start(), w.End(), w.DurationMinutes(), string(status), ownerRef))
	if err != nil {
		return model.Slot{}, fmt.Errorf("insert %s slot: %w", status, err)
	}
	return s, nil
}

func (t *slotTx) TransitionToBooked(ctx context.Context, slotID, ownerRef string) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		UPDATE slots
		SET status = 'BOOKED',
			owner_ref = NULLIF($2, ''),
			updated_at = now()
		WHERE id::text = $1 AND deleted_at IS NULL
		RETURNING `+slotColumns, slotID, ownerRef))
	if IsNotFound(err) {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("book slot: %w", err)
	}
	return s, nil
}

func (t *slotTx) UpdateWindow(ctx context.Context, slotID string, w window.TimeWindow) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(ctx, `
		UPDATE slots
		SET start_time = $2,
			end_time = $3,
			duration_minutes = $4,
			updated_at = now()
		WHERE id::text = $1 AND deleted_at IS NULL
		RETURNING `+slotColumns, slotID, w.Start(), w.End(), w.DurationMinutes()))
	if IsNotFound(err) {
		return model.Slot{}, apperrors.NotFound("slot", slotID)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("update slot window: %w", err)
	}
	return s, nil
}

func (t *slotTx) SoftDelete(ctx context.Context, slotID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET deleted_at = now(), updated_at = now()
		WHERE id::text = $1 AND deleted_at IS NULL
	`, slotID)
	if err != nil {
		return fmt.Errorf("soft delete slot: %w", err)
	}
	return nil
}

func (t *slotTx) SoftDeleteRequested(ctx context.Context, ownerRef, keepID string) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET deleted_at = now(),
			owner_ref = NULL,
			updated_at = now()
		WHERE owner_ref = $1
			AND status = 'REQUESTED'
			AND deleted_at IS NULL
			AND ($2 = '' OR id::text <> $2)
	`, ownerRef, keepID)
	if err != nil {
		return 0, fmt.Errorf("withdraw requested slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSlots(rows pgx.Rows) ([]model.Slot, error) {
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSlot(row pgx.Row) (model.Slot, error) {
	var (
		s        model.Slot
		start    time.Time
		duration int
		status   string
	)
	if err := row.Scan(&s.ID, &s.ResourceRef, &start, &duration, &status, &s.OwnerRef, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Slot{}, err
	}
	w, err := window.New(start, duration)
	if err != nil {
		return model.Slot{}, fmt.Errorf("slot %s has invalid window: %w", s.ID, err)
	}
	s.Window = w
	s.Status = model.Status(status)
	return s, nil
}
