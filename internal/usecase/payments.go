package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/followaudit/followaudit/internal/adapter/observability"
	"github.com/followaudit/followaudit/internal/adapter/payments/robokassa"
	"github.com/followaudit/followaudit/internal/domain"
)

// PaymentService drives the payment lifecycle for both the chat platform's
// native currency and the external acquirer.
type PaymentService struct {
	payments domain.PaymentRepository
	tariffs  domain.TariffRepository
	users    domain.UserRepository
	acquirer *robokassa.Client
	notifier domain.Notifier
}

// NewPaymentService constructs a PaymentService. acquirer and notifier may be
// nil when the respective channel is not configured.
func NewPaymentService(payments domain.PaymentRepository, tariffs domain.TariffRepository,
	users domain.UserRepository, acquirer *robokassa.Client, notifier domain.Notifier) *PaymentService {
	return &PaymentService{payments: payments, tariffs: tariffs, users: users, acquirer: acquirer, notifier: notifier}
}

// CreateStars creates a pending native-currency payment for a tariff.
// The amount is the tariff's star price, not its fiat price.
func (s *PaymentService) CreateStars(ctx domain.Context, userID, tariffID int64) (domain.Payment, error) {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.CreateStars")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID), attribute.Int64("tariff.id", tariffID))

	tariff, err := s.tariffs.Get(ctx, tariffID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !tariff.IsActive || tariff.PriceNativeStar == nil {
		return domain.Payment{}, fmt.Errorf("op=payments.create_stars: tariff %d not purchasable with stars: %w", tariffID, domain.ErrInvalidArgument)
	}
	if _, err := s.users.Get(ctx, userID); err != nil {
		return domain.Payment{}, err
	}
	return s.payments.Create(ctx, domain.Payment{
		UserID:       userID,
		TariffID:     tariff.ID,
		Amount:       float64(*tariff.PriceNativeStar),
		Currency:     "XTR",
		CreditsCount: tariff.CreditsCount,
		Method:       domain.PaymentMethodStars,
	})
}

// ValidateStars is the pre-checkout gate. It never transitions the row; it
// records a pre_checkout audit event and answers whether the charge may
// proceed. The acquirer imposes a single-digit-second deadline on the caller.
func (s *PaymentService) ValidateStars(ctx domain.Context, paymentID string, expectedAmount float64) error {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.ValidateStars")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	ev := domain.PaymentEvent{
		PaymentID:    p.ID,
		Kind:         domain.PaymentEventPreCheckout,
		StatusBefore: p.Status,
		StatusAfter:  p.Status,
		Details:      map[string]any{"expected_amount": expectedAmount},
	}
	if p.Status != domain.PaymentPending {
		ev.ErrorMessage = fmt.Sprintf("status=%s", p.Status)
		if aerr := s.payments.AppendEvent(ctx, ev); aerr != nil {
			slog.Warn("pre_checkout event write failed", slog.String("payment_id", p.ID), slog.Any("error", aerr))
		}
		return fmt.Errorf("op=payments.validate: status=%s: %w", p.Status, domain.ErrPaymentInvalidStatus)
	}
	if math.Abs(expectedAmount-p.Amount) > 0.01 {
		ev.ErrorMessage = fmt.Sprintf("expected %.2f got %.2f", p.Amount, expectedAmount)
		if aerr := s.payments.AppendEvent(ctx, ev); aerr != nil {
			slog.Warn("pre_checkout event write failed", slog.String("payment_id", p.ID), slog.Any("error", aerr))
		}
		return fmt.Errorf("op=payments.validate: expected %.2f got %.2f: %w", p.Amount, expectedAmount, domain.ErrPaymentAmountMismatch)
	}
	return s.payments.AppendEvent(ctx, ev)
}

// CompleteStars settles a native-currency payment. Replays of the same charge
// converge to success without a second credit increment.
func (s *PaymentService) CompleteStars(ctx domain.Context, paymentID, chargeID string, amount float64) (domain.Payment, error) {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.CompleteStars")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	p, err := s.payments.Complete(ctx, paymentID, chargeID, amount)
	if err != nil {
		s.reportCompletionFailure(ctx, paymentID, chargeID, amount, err)
		return domain.Payment{}, err
	}
	observability.PaymentsCompletedTotal.WithLabelValues(string(domain.PaymentMethodStars)).Inc()
	s.notifyCredited(ctx, p)
	return p, nil
}

// ExternalInvoice is a payment plus its signed acquirer link.
type ExternalInvoice struct {
	Payment domain.Payment
	PayURL  string
}

// CreateExternal creates a pending acquirer payment and builds the signed
// payment link carrying the numeric invoice id.
func (s *PaymentService) CreateExternal(ctx domain.Context, userID, tariffID int64) (ExternalInvoice, error) {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.CreateExternal")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID), attribute.Int64("tariff.id", tariffID))

	if s.acquirer == nil {
		return ExternalInvoice{}, fmt.Errorf("op=payments.create_external: acquirer not configured: %w", domain.ErrInvalidArgument)
	}
	tariff, err := s.tariffs.Get(ctx, tariffID)
	if err != nil {
		return ExternalInvoice{}, err
	}
	if !tariff.IsActive {
		return ExternalInvoice{}, fmt.Errorf("op=payments.create_external: tariff %d inactive: %w", tariffID, domain.ErrInvalidArgument)
	}
	if _, err := s.users.Get(ctx, userID); err != nil {
		return ExternalInvoice{}, err
	}
	p, err := s.payments.Create(ctx, domain.Payment{
		UserID:       userID,
		TariffID:     tariff.ID,
		Amount:       tariff.PriceFiat,
		Currency:     "RUB",
		CreditsCount: tariff.CreditsCount,
		Method:       domain.PaymentMethodExternal,
	})
	if err != nil {
		return ExternalInvoice{}, err
	}
	desc := fmt.Sprintf("%d analysis credits", tariff.CreditsCount)
	return ExternalInvoice{Payment: p, PayURL: s.acquirer.PaymentURL(p.Amount, p.InvoiceID, desc, nil)}, nil
}

// HandleExternalCallback verifies and settles an acquirer result callback.
// Returns the literal reply body the acquirer expects. An invalid signature
// rejects the callback with no state change and raises an admin alert; a
// replay of an already settled invoice converges to the same OK reply.
func (s *PaymentService) HandleExternalCallback(ctx domain.Context, form url.Values) (string, error) {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.HandleExternalCallback")
	defer span.End()

	if s.acquirer == nil {
		return "", fmt.Errorf("op=payments.callback: acquirer not configured: %w", domain.ErrInvalidArgument)
	}
	cb, rawSum, err := robokassa.ParseCallback(form)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.Int64("payment.invoice_id", cb.InvID))
	if err := s.acquirer.Verify(cb, rawSum); err != nil {
		slog.Error("acquirer callback signature rejected", slog.Int64("inv_id", cb.InvID))
		s.notifyAdmins(ctx, fmt.Sprintf("SECURITY: invalid acquirer signature for invoice %d, callback rejected", cb.InvID))
		return "", err
	}

	p, err := s.payments.FindByInvoice(ctx, cb.InvID)
	if err != nil {
		return "", err
	}
	chargeID := fmt.Sprintf("inv_%d", cb.InvID)
	settled, err := s.payments.Complete(ctx, p.ID, chargeID, cb.OutSum)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentAlreadyCompleted) {
			// A different charge filled the slot; replay with the same charge
			// id never reaches here.
			return "", err
		}
		s.reportCompletionFailure(ctx, p.ID, chargeID, cb.OutSum, err)
		return "", err
	}
	observability.PaymentsCompletedTotal.WithLabelValues(string(domain.PaymentMethodExternal)).Inc()
	s.notifyCredited(ctx, settled)
	return robokassa.SuccessReply(cb.InvID), nil
}

// CancelStars marks an abandoned native-currency payment cancelled.
func (s *PaymentService) CancelStars(ctx domain.Context, paymentID string) error {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != domain.PaymentPending {
		return fmt.Errorf("op=payments.cancel: status=%s: %w", p.Status, domain.ErrPaymentInvalidStatus)
	}
	return s.payments.Cancel(ctx, paymentID, "cancelled by user")
}

// GrantManual settles a manual payment created by an admin. No external
// charge exists, so settlement bypasses the charge-slot check by recording
// the admin id as the charge reference.
func (s *PaymentService) GrantManual(ctx domain.Context, adminID, userID, tariffID int64) (domain.Payment, error) {
	tracer := otel.Tracer("usecase.payments")
	ctx, span := tracer.Start(ctx, "payments.GrantManual")
	defer span.End()

	tariff, err := s.tariffs.Get(ctx, tariffID)
	if err != nil {
		return domain.Payment{}, err
	}
	if _, err := s.users.Get(ctx, userID); err != nil {
		return domain.Payment{}, err
	}
	p, err := s.payments.Create(ctx, domain.Payment{
		UserID:       userID,
		TariffID:     tariff.ID,
		Amount:       0,
		Currency:     "RUB",
		CreditsCount: tariff.CreditsCount,
		Method:       domain.PaymentMethodManual,
	})
	if err != nil {
		return domain.Payment{}, err
	}
	settled, err := s.payments.Complete(ctx, p.ID, fmt.Sprintf("manual_by_%d", adminID), 0)
	if err != nil {
		return domain.Payment{}, err
	}
	observability.PaymentsCompletedTotal.WithLabelValues(string(domain.PaymentMethodManual)).Inc()
	return settled, nil
}

// Events returns a payment's audit trail.
func (s *PaymentService) Events(ctx domain.Context, paymentID string) ([]domain.PaymentEvent, error) {
	return s.payments.ListEvents(ctx, paymentID)
}

func (s *PaymentService) reportCompletionFailure(ctx domain.Context, paymentID, chargeID string, amount float64, err error) {
	reason := "error"
	switch {
	case errors.Is(err, domain.ErrPaymentAmountMismatch):
		reason = "amount_mismatch"
		alert := fmt.Sprintf("payment %s failed: amount mismatch, received %.2f (charge %s)", paymentID, amount, chargeID)
		if p, gerr := s.payments.Get(ctx, paymentID); gerr == nil {
			alert = fmt.Sprintf("payment %s failed: amount mismatch, expected %.2f received %.2f (charge %s)", paymentID, p.Amount, amount, chargeID)
		}
		s.notifyAdmins(ctx, alert)
	case errors.Is(err, domain.ErrPaymentAlreadyCompleted):
		reason = "duplicate_settlement"
		s.notifyAdmins(ctx, fmt.Sprintf("payment %s: duplicate settlement attempt with charge %s", paymentID, chargeID))
	case errors.Is(err, domain.ErrPaymentInvalidStatus):
		reason = "invalid_status"
	case errors.Is(err, domain.ErrPaymentNotFound):
		reason = "not_found"
	}
	observability.PaymentsFailedTotal.WithLabelValues(reason).Inc()
	slog.Warn("payment completion rejected",
		slog.String("payment_id", paymentID),
		slog.String("reason", reason),
		slog.Any("error", err))
}

func (s *PaymentService) notifyCredited(ctx domain.Context, p domain.Payment) {
	if s.notifier == nil {
		return
	}
	body := fmt.Sprintf("Payment received. %d credits were added to your balance.", p.CreditsCount)
	if err := s.notifier.SendText(ctx, p.UserID, body); err != nil {
		slog.Warn("payment notice delivery failed", slog.String("payment_id", p.ID), slog.Any("error", err))
	}
}

func (s *PaymentService) notifyAdmins(ctx domain.Context, body string) {
	if s.notifier != nil {
		s.notifier.NotifyAdmins(ctx, body)
	}
}
