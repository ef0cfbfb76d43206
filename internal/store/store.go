package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"creatorescrow/internal/domainerr"
	"creatorescrow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

var _ Repository = (*Store)(nil)

const offerColumns = `id, campaign_id, payer_id, fulfiller_id, created_by, items,
	subtotal, platform_fee_pct::text, platform_fee, total, creator_earnings,
	currency, status, notes, expires_at, created_at, updated_at`

const paymentColumns = `id, offer_id, payer_id, fulfiller_id, session_id, payment_intent,
	amount, platform_fee, creator_earnings, currency, status, failure_reason,
	webhook_events, paid_at, created_at, updated_at`

const payoutColumns = `id, payment_id, offer_id, recipient_id, amount, currency, method,
	status, reference_number, admin_notes, released_by, released_at, created_at, updated_at`

func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	items, err := json.Marshal(offer.Items)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO offers (
			id, campaign_id, payer_id, fulfiller_id, created_by, items,
			subtotal, platform_fee_pct, platform_fee, total, creator_earnings,
			currency, status, notes, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		offer.ID,
		offer.CampaignID,
		offer.PayerID,
		offer.FulfillerID,
		offer.CreatedBy,
		string(items),
		offer.Subtotal,
		offer.PlatformFeePct,
		offer.PlatformFee,
		offer.Total,
		offer.CreatorEarnings,
		offer.Currency,
		offer.Status,
		offer.Notes,
		offer.ExpiresAt,
		offer.CreatedAt,
		offer.UpdatedAt,
	)
	return classify(err)
}

func (s *Store) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id)
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("offer", id)
	}
	return offer, classify(err)
}

func (s *Store) UpdateOfferTerms(ctx context.Context, offer *models.Offer) (*models.Offer, bool, error) {
	items, err := json.Marshal(offer.Items)
	if err != nil {
		return nil, false, err
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE offers
		SET items=$2::jsonb, subtotal=$3, platform_fee_pct=$4::numeric, platform_fee=$5,
			total=$6, creator_earnings=$7, currency=$8, notes=$9, expires_at=$10, updated_at=now()
		WHERE id=$1 AND status IN ('drafted','sent')
		RETURNING `+offerColumns,
		offer.ID,
		string(items),
		offer.Subtotal,
		offer.PlatformFeePct,
		offer.PlatformFee,
		offer.Total,
		offer.CreatorEarnings,
		offer.Currency,
		offer.Notes,
		offer.ExpiresAt,
	)
	updated, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetOffer(ctx, offer.ID)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return updated, true, nil
}

func (s *Store) TransitionOffer(ctx context.Context, id string, from []models.OfferStatus, to models.OfferStatus, upd OfferUpdate) (*models.Offer, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE offers
		SET status=$2,
			notes=CASE WHEN $4 = '' THEN notes WHEN notes = '' THEN $4 ELSE notes || E'\n' || $4 END,
			updated_at=now()
		WHERE id=$1 AND status = ANY($3)
		RETURNING `+offerColumns,
		id, to, models.OfferStatusStrings(from), upd.AppendNote,
	)
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetOffer(ctx, id)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return offer, true, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	events, err := json.Marshal(nonNilEvents(payment.WebhookEvents))
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO payments (
			id, offer_id, payer_id, fulfiller_id, session_id, payment_intent,
			amount, platform_fee, creator_earnings, currency, status, failure_reason,
			webhook_events, paid_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::jsonb,$14,$15,$16)
	`,
		payment.ID,
		payment.OfferID,
		payment.PayerID,
		payment.FulfillerID,
		payment.SessionID,
		payment.PaymentIntent,
		payment.Amount,
		payment.PlatformFee,
		payment.CreatorEarnings,
		payment.Currency,
		payment.Status,
		payment.FailureReason,
		string(events),
		payment.PaidAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	return classify(err)
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("payment", id)
	}
	return payment, classify(err)
}

func (s *Store) GetPaymentBySession(ctx context.Context, sessionID string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE session_id=$1`, sessionID)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("payment session", sessionID)
	}
	return payment, classify(err)
}

func (s *Store) GetPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payment_intent=$1 AND payment_intent <> ''
		ORDER BY created_at DESC LIMIT 1
	`, intentID)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("payment intent", intentID)
	}
	return payment, classify(err)
}

func (s *Store) GetActivePayment(ctx context.Context, offerID string) (*models.Payment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE offer_id=$1 AND status NOT IN ('failed','cancelled')
		ORDER BY created_at DESC LIMIT 1
	`, offerID)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("active payment for offer", offerID)
	}
	return payment, classify(err)
}

func (s *Store) TransitionPayment(ctx context.Context, sessionID string, from []models.PaymentStatus, to models.PaymentStatus, upd PaymentUpdate) (*models.Payment, bool, error) {
	event, err := eventParam(upd.Event)
	if err != nil {
		return nil, false, err
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE payments
		SET status=$2,
			payment_intent=CASE WHEN $4 = '' THEN payment_intent ELSE $4 END,
			failure_reason=CASE WHEN $5 = '' THEN failure_reason ELSE $5 END,
			paid_at=COALESCE($6, paid_at),
			webhook_events=CASE WHEN $7::jsonb IS NULL THEN webhook_events ELSE webhook_events || $7::jsonb END,
			updated_at=now()
		WHERE session_id=$1 AND status = ANY($3)
		RETURNING `+paymentColumns,
		sessionID, to, paymentStatusStrings(from), upd.PaymentIntent, upd.FailureReason, upd.PaidAt, event,
	)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetPaymentBySession(ctx, sessionID)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return payment, true, nil
}

func (s *Store) AnnotatePayment(ctx context.Context, sessionID string, upd PaymentUpdate) (*models.Payment, bool, error) {
	if upd.Event == nil {
		return nil, false, errors.New("annotate payment: event is required")
	}
	event, err := eventParam(upd.Event)
	if err != nil {
		return nil, false, err
	}
	probe, err := json.Marshal([]map[string]string{{"id": upd.Event.ID}})
	if err != nil {
		return nil, false, err
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE payments
		SET payment_intent=CASE WHEN $2 = '' THEN payment_intent ELSE $2 END,
			webhook_events=webhook_events || $3::jsonb,
			updated_at=now()
		WHERE session_id=$1 AND NOT (webhook_events @> $4::jsonb)
		RETURNING `+paymentColumns,
		sessionID, upd.PaymentIntent, event, string(probe),
	)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetPaymentBySession(ctx, sessionID)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return payment, true, nil
}

func (s *Store) ListStalePayments(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, payment)
	}
	return out, classify(rows.Err())
}

// CreatePayout locks the parent payment so the earnings cap check and the
// insert cannot interleave with another payout for the same payment.
func (s *Store) CreatePayout(ctx context.Context, payout *models.Payout) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback(ctx)

	var (
		status   models.PaymentStatus
		earnings int64
	)
	err = tx.QueryRow(ctx, `SELECT status, creator_earnings FROM payments WHERE id=$1 FOR UPDATE`, payout.PaymentID).
		Scan(&status, &earnings)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domainerr.NotFound("payment", payout.PaymentID)
	}
	if err != nil {
		return false, classify(err)
	}
	if status != models.PaymentPaidEscrow && status != models.PaymentReleased {
		return false, &domainerr.PreconditionError{
			Entity:   "payment",
			ID:       payout.PaymentID,
			Current:  string(status),
			Required: []string{string(models.PaymentPaidEscrow), string(models.PaymentReleased)},
		}
	}

	if payout.Method == models.PayoutProcessor {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payouts WHERE payment_id=$1 AND method='processor')`, payout.PaymentID).Scan(&exists); err != nil {
			return false, classify(err)
		}
		if exists {
			return false, nil
		}
	}

	var allocated int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE payment_id=$1`, payout.PaymentID).Scan(&allocated); err != nil {
		return false, classify(err)
	}
	if allocated+payout.Amount > earnings {
		return false, domainerr.Invalid("amount", fmt.Sprintf("exceeds remaining creator earnings (%d)", earnings-allocated))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payouts (
			id, payment_id, offer_id, recipient_id, amount, currency, method,
			status, reference_number, admin_notes, released_by, released_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		payout.ID,
		payout.PaymentID,
		payout.OfferID,
		payout.RecipientID,
		payout.Amount,
		payout.Currency,
		payout.Method,
		payout.Status,
		payout.ReferenceNumber,
		payout.AdminNotes,
		payout.ReleasedBy,
		payout.ReleasedAt,
		payout.CreatedAt,
		payout.UpdatedAt,
	)
	if err != nil {
		return false, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id=$1`, id)
	payout, err := scanPayout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerr.NotFound("payout", id)
	}
	return payout, classify(err)
}

func (s *Store) ListPayoutsByPayment(ctx context.Context, paymentID string) ([]*models.Payout, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE payment_id=$1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*models.Payout
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, payout)
	}
	return out, classify(rows.Err())
}

func (s *Store) ReleasePayout(ctx context.Context, id string, p ReleaseParams) (*models.Payout, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE payouts
		SET status='released',
			reference_number=CASE WHEN $2 = '' THEN reference_number ELSE $2 END,
			admin_notes=CASE WHEN $3 = '' THEN admin_notes ELSE $3 END,
			released_by=$4, released_at=$5, updated_at=now()
		WHERE id=$1 AND status='pending'
		RETURNING `+payoutColumns,
		id, p.ReferenceNumber, p.AdminNotes, p.ReleasedBy, p.ReleasedAt,
	)
	payout, err := scanPayout(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetPayout(ctx, id)
		return current, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return payout, true, nil
}

func scanOffer(row pgx.Row) (*models.Offer, error) {
	var o models.Offer
	err := row.Scan(
		&o.ID,
		&o.CampaignID,
		&o.PayerID,
		&o.FulfillerID,
		&o.CreatedBy,
		&o.Items,
		&o.Subtotal,
		&o.PlatformFeePct,
		&o.PlatformFee,
		&o.Total,
		&o.CreatorEarnings,
		&o.Currency,
		&o.Status,
		&o.Notes,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID,
		&p.OfferID,
		&p.PayerID,
		&p.FulfillerID,
		&p.SessionID,
		&p.PaymentIntent,
		&p.Amount,
		&p.PlatformFee,
		&p.CreatorEarnings,
		&p.Currency,
		&p.Status,
		&p.FailureReason,
		&p.WebhookEvents,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	err := row.Scan(
		&p.ID,
		&p.PaymentID,
		&p.OfferID,
		&p.RecipientID,
		&p.Amount,
		&p.Currency,
		&p.Method,
		&p.Status,
		&p.ReferenceNumber,
		&p.AdminNotes,
		&p.ReleasedBy,
		&p.ReleasedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func eventParam(ev *models.WebhookEvent) (*string, error) {
	if ev == nil {
		return nil, nil
	}
	b, err := json.Marshal([]models.WebhookEvent{*ev})
	if err != nil {
		return nil, err
	}
	v := string(b)
	return &v, nil
}

func nonNilEvents(in []models.WebhookEvent) []models.WebhookEvent {
	if in == nil {
		return []models.WebhookEvent{}
	}
	return in
}

func paymentStatusStrings(in []models.PaymentStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

// classify maps driver errors onto the domain taxonomy. Connection loss and
// timeouts become ErrStoreUnavailable so webhook callers can ask the processor
// to retry.
func classify(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", domainerr.ErrConflict, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return domainerr.Unavailable(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return domainerr.Unavailable(err)
	}
	return err
}
