package postgres

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/domain"
)

// amountTolerance absorbs acquirer decimal formatting differences.
const amountTolerance = 0.01

// PaymentRepo drives the payment lifecycle. Every transition writes the status
// row, an append-only audit event and (for completion) the credit increment in
// one transaction, with the payment row locked for the duration.
type PaymentRepo struct{ Pool PgxPool }

// NewPaymentRepo constructs a PaymentRepo with the given pool.
func NewPaymentRepo(p PgxPool) *PaymentRepo { return &PaymentRepo{Pool: p} }

const paymentColumns = `id, invoice_id, user_id, tariff_id, amount, currency, credits_count, method, status,
	external_charge_id, created_at, completed_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.UserID, &p.TariffID, &p.Amount, &p.Currency, &p.CreditsCount,
		&p.Method, &p.Status, &p.ExternalChargeID, &p.CreatedAt, &p.CompletedAt)
	return p, err
}

func detailsJSON(details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal(details)
}

func insertEvent(ctx domain.Context, tx pgx.Tx, ev domain.PaymentEvent) error {
	raw, err := detailsJSON(ev.Details)
	if err != nil {
		return fmt.Errorf("op=payment.event.marshal: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, kind, status_before, status_after, details, error_message)
		VALUES ($1,$2,$3,$4,$5,$6)`, ev.PaymentID, ev.Kind, ev.StatusBefore, ev.StatusAfter, raw, ev.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=payment.event.insert: %w", err)
	}
	return nil
}

// Create inserts a pending payment plus its created event.
func (r *PaymentRepo) Create(ctx domain.Context, p domain.Payment) (domain.Payment, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Create")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.create.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `INSERT INTO payments (id, user_id, tariff_id, amount, currency, credits_count, method, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending') RETURNING `+paymentColumns,
		p.ID, p.UserID, p.TariffID, p.Amount, p.Currency, p.CreditsCount, p.Method)
	created, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.create: %w", err)
	}
	ev := domain.PaymentEvent{
		PaymentID:    created.ID,
		Kind:         domain.PaymentEventCreated,
		StatusBefore: domain.PaymentPending,
		StatusAfter:  domain.PaymentPending,
		Details: map[string]any{
			"amount":        created.Amount,
			"credits_count": created.CreditsCount,
			"method":        string(created.Method),
		},
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.create.commit: %w", err)
	}
	return created, nil
}

// Get loads a payment by id.
func (r *PaymentRepo) Get(ctx domain.Context, id string) (domain.Payment, error) {
	p, err := scanPayment(r.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Payment{}, fmt.Errorf("op=payment.get: %w", domain.ErrPaymentNotFound)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.get: %w", err)
	}
	return p, nil
}

// Complete performs the settle transition exactly once per external charge.
//
// Idempotency: completed with the same charge id is a no-op success; completed
// with a different charge id is a hard error; an amount outside tolerance
// moves the row to failed and surfaces ErrPaymentAmountMismatch.
func (r *PaymentRepo) Complete(ctx domain.Context, id, externalChargeID string, amount float64) (domain.Payment, error) {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.complete.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Payment{}, fmt.Errorf("op=payment.complete: %w", domain.ErrPaymentNotFound)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.complete.lock: %w", err)
	}

	if p.Status == domain.PaymentCompleted {
		if p.ExternalChargeID != nil && *p.ExternalChargeID == externalChargeID {
			// Replay of an already settled charge; converge without side effects.
			return p, nil
		}
		return domain.Payment{}, fmt.Errorf("op=payment.complete: slot filled by charge %v: %w", p.ExternalChargeID, domain.ErrPaymentAlreadyCompleted)
	}
	if p.Status != domain.PaymentPending {
		return domain.Payment{}, fmt.Errorf("op=payment.complete: status=%s: %w", p.Status, domain.ErrPaymentInvalidStatus)
	}

	if math.Abs(amount-p.Amount) > amountTolerance {
		ev := domain.PaymentEvent{
			PaymentID:    p.ID,
			Kind:         domain.PaymentEventFailed,
			StatusBefore: p.Status,
			StatusAfter:  domain.PaymentFailed,
			Details: map[string]any{
				"amount_expected": p.Amount,
				"amount_received": amount,
			},
			ErrorMessage: "amount mismatch",
		}
		if _, err := tx.Exec(ctx, `UPDATE payments SET status='failed' WHERE id=$1`, p.ID); err != nil {
			return domain.Payment{}, fmt.Errorf("op=payment.complete.fail: %w", err)
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return domain.Payment{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.Payment{}, fmt.Errorf("op=payment.complete.commit: %w", err)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.complete: expected %.2f got %.2f: %w", p.Amount, amount, domain.ErrPaymentAmountMismatch)
	}

	var balanceBefore int
	if err := tx.QueryRow(ctx, `SELECT credit_balance FROM users WHERE id=$1 FOR UPDATE`, p.UserID).Scan(&balanceBefore); err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.complete.lock_user: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET credit_balance = credit_balance + $2 WHERE id=$1`, p.UserID, p.CreditsCount); err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.complete.credit: %w", err)
	}
	row := tx.QueryRow(ctx, `UPDATE payments SET status='completed', external_charge_id=$2, completed_at=now()
		WHERE id=$1 RETURNING `+paymentColumns, p.ID, externalChargeID)
	completed, err := scanPayment(row)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.complete.update: %w", err)
	}
	ev := domain.PaymentEvent{
		PaymentID:    p.ID,
		Kind:         domain.PaymentEventCompleted,
		StatusBefore: p.Status,
		StatusAfter:  domain.PaymentCompleted,
		Details: map[string]any{
			"external_charge_id": externalChargeID,
			"credits_count":      p.CreditsCount,
			"balance_before":     balanceBefore,
			"balance_after":      balanceBefore + p.CreditsCount,
		},
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return domain.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Payment{}, fmt.Errorf("op=payment.complete.commit: %w", err)
	}
	return completed, nil
}

// Fail writes the failed status plus an audit event. Credits never move here.
func (r *PaymentRepo) Fail(ctx domain.Context, id, reason string, details map[string]any) error {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Fail")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=payment.fail.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=payment.fail: %w", domain.ErrPaymentNotFound)
		}
		return fmt.Errorf("op=payment.fail.lock: %w", err)
	}
	if p.Status == domain.PaymentCompleted {
		return fmt.Errorf("op=payment.fail: %w", domain.ErrPaymentInvalidStatus)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status='failed' WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=payment.fail.update: %w", err)
	}
	ev := domain.PaymentEvent{
		PaymentID:    id,
		Kind:         domain.PaymentEventFailed,
		StatusBefore: p.Status,
		StatusAfter:  domain.PaymentFailed,
		Details:      details,
		ErrorMessage: reason,
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=payment.fail.commit: %w", err)
	}
	return nil
}

// Cancel moves a pending payment to cancelled.
func (r *PaymentRepo) Cancel(ctx domain.Context, id, reason string) error {
	tracer := otel.Tracer("repo.payments")
	ctx, span := tracer.Start(ctx, "payments.Cancel")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=payment.cancel.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=payment.cancel: %w", domain.ErrPaymentNotFound)
		}
		return fmt.Errorf("op=payment.cancel.lock: %w", err)
	}
	if p.Status != domain.PaymentPending {
		return fmt.Errorf("op=payment.cancel: status=%s: %w", p.Status, domain.ErrPaymentInvalidStatus)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status='cancelled' WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=payment.cancel.update: %w", err)
	}
	ev := domain.PaymentEvent{
		PaymentID:    id,
		Kind:         domain.PaymentEventCancelled,
		StatusBefore: p.Status,
		StatusAfter:  domain.PaymentCancelled,
		ErrorMessage: reason,
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=payment.cancel.commit: %w", err)
	}
	return nil
}

// AppendEvent records a non-transitioning event, e.g. pre_checkout.
func (r *PaymentRepo) AppendEvent(ctx domain.Context, ev domain.PaymentEvent) error {
	raw, err := detailsJSON(ev.Details)
	if err != nil {
		return fmt.Errorf("op=payment.append_event.marshal: %w", err)
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO payment_events (payment_id, kind, status_before, status_after, details, error_message)
		VALUES ($1,$2,$3,$4,$5,$6)`, ev.PaymentID, ev.Kind, ev.StatusBefore, ev.StatusAfter, raw, ev.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=payment.append_event: %w", err)
	}
	return nil
}

// ListEvents returns a payment's audit trail in order.
func (r *PaymentRepo) ListEvents(ctx domain.Context, paymentID string) ([]domain.PaymentEvent, error) {
	rows, err := r.Pool.Query(ctx, `SELECT id, payment_id, kind, status_before, status_after, details, error_message, created_at
		FROM payment_events WHERE payment_id=$1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("op=payment.list_events: %w", err)
	}
	defer rows.Close()
	var out []domain.PaymentEvent
	for rows.Next() {
		var ev domain.PaymentEvent
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.Kind, &ev.StatusBefore, &ev.StatusAfter, &raw, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=payment.list_events.scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Details); err != nil {
				return nil, fmt.Errorf("op=payment.list_events.details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FindByInvoice resolves a payment by its numeric acquirer invoice id.
func (r *PaymentRepo) FindByInvoice(ctx domain.Context, invoiceID int64) (domain.Payment, error) {
	p, err := scanPayment(r.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id=$1`, invoiceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Payment{}, fmt.Errorf("op=payment.find_by_invoice: %w", domain.ErrPaymentNotFound)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.find_by_invoice: %w", err)
	}
	return p, nil
}

// FindByCharge locates the completed payment settled by a given charge.
func (r *PaymentRepo) FindByCharge(ctx domain.Context, method domain.PaymentMethod, externalChargeID string) (domain.Payment, error) {
	p, err := scanPayment(r.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE method=$1 AND external_charge_id=$2 AND status='completed' LIMIT 1`, method, externalChargeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Payment{}, fmt.Errorf("op=payment.find_by_charge: %w", domain.ErrPaymentNotFound)
		}
		return domain.Payment{}, fmt.Errorf("op=payment.find_by_charge: %w", err)
	}
	return p, nil
}
