package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrTaskNotFound is returned when no task payment row matches.
	ErrTaskNotFound = errors.New("escrow: task payment not found")
	// ErrTaskSettled is returned when a task payment was already verified.
	// Verification is one-shot and settled rows never change.
	ErrTaskSettled = errors.New("escrow: task payment already settled")
	// ErrEscrowNotFunded is returned when a verification would release money
	// from an escrow that has not been funded.
	ErrEscrowNotFunded = errors.New("escrow: escrow not funded")
	// ErrNotParty is returned when the acting user is neither side of the
	// escrow.
	ErrNotParty = errors.New("escrow: user is not a party to the escrow")
)

const taskColumns = `id, escrow_id, task_name, amount::text, quality_threshold, quality_score,
    evidence_url, evidence_text, evidence_added_at, verification_note, status::text,
    verified_by, verified_at, payout_ref, created_at, updated_at`

func scanTaskPayment(row pgx.Row) (TaskPayment, error) {
	var (
		t         TaskPayment
		amountStr string
		statusStr string
		verified  sql.NullString
	)
	err := row.Scan(
		&t.ID,
		&t.EscrowID,
		&t.TaskName,
		&amountStr,
		&t.QualityThreshold,
		&t.QualityScore,
		&t.EvidenceURL,
		&t.EvidenceText,
		&t.EvidenceAddedAt,
		&t.VerificationNote,
		&statusStr,
		&verified,
		&t.VerifiedAt,
		&t.PayoutRef,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return TaskPayment{}, err
	}
	if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: parse task amount: %w", err)
	}
	t.Status = TaskPaymentStatus(statusStr)
	if verified.Valid {
		v := verified.String
		t.VerifiedBy = &v
	}
	return t, nil
}

// CreateTaskTxParams enumerates the fields for a new task payment.
type CreateTaskTxParams struct {
	EscrowID         string
	TaskName         string
	Amount           decimal.Decimal
	QualityThreshold int
	ActorID          string
}

// CreateTaskTx inserts a task payment under the escrow row lock.
func (r *Repository) CreateTaskTx(ctx context.Context, tx pgx.Tx, params CreateTaskTxParams) (TaskPayment, error) {
	rec, err := r.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return TaskPayment{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return TaskPayment{}, ErrEscrowClosed
	case StatusDisputed:
		return TaskPayment{}, ErrEscrowFrozen
	}

	const insertSQL = `
INSERT INTO task_payments (escrow_id, task_name, amount, quality_threshold)
VALUES ($1, $2, $3::numeric, $4)
RETURNING ` + taskColumns

	t, err := scanTaskPayment(tx.QueryRow(ctx, insertSQL,
		params.EscrowID,
		params.TaskName,
		params.Amount.String(),
		params.QualityThreshold,
	))
	if err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: insert task payment: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, params.EscrowID, EventTaskCreated, params.ActorID, map[string]any{
		"task_payment_id": t.ID,
		"task_name":       t.TaskName,
		"amount":          t.Amount.String(),
	}); err != nil {
		return TaskPayment{}, err
	}

	return t, nil
}

// AttachEvidenceTxParams stores a photo reference and any text extracted
// from it.
type AttachEvidenceTxParams struct {
	TaskPaymentID string
	PhotoURL      string
	ExtractedText string
	ActorID       string
	ActorIsAdmin  bool
}

// AttachEvidenceTx records photo evidence on an unsettled task payment. Only
// the escrow's contractor or an admin may attach evidence.
func (r *Repository) AttachEvidenceTx(ctx context.Context, tx pgx.Tx, params AttachEvidenceTxParams) (TaskPayment, error) {
	t, err := scanTaskPayment(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_payments WHERE id = $1 FOR UPDATE`, params.TaskPaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskPayment{}, ErrTaskNotFound
		}
		return TaskPayment{}, fmt.Errorf("escrow: load task payment: %w", err)
	}
	if t.Status != TaskPending {
		return TaskPayment{}, ErrTaskSettled
	}

	if !params.ActorIsAdmin {
		var contractorID string
		if err := tx.QueryRow(ctx, `SELECT contractor_user_id::text FROM escrows WHERE id = $1`, t.EscrowID).Scan(&contractorID); err != nil {
			return TaskPayment{}, fmt.Errorf("escrow: load escrow contractor: %w", err)
		}
		if contractorID != params.ActorID {
			return TaskPayment{}, ErrNotParty
		}
	}

	updated, err := scanTaskPayment(tx.QueryRow(ctx, `
UPDATE task_payments
SET evidence_url = $2,
    evidence_text = NULLIF($3, ''),
    evidence_added_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING `+taskColumns, params.TaskPaymentID, params.PhotoURL, params.ExtractedText))
	if err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: attach evidence: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, t.EscrowID, EventTaskEvidenceAdded, params.ActorID, map[string]any{
		"task_payment_id": t.ID,
		"photo_url":       params.PhotoURL,
		"has_text":        params.ExtractedText != "",
	}); err != nil {
		return TaskPayment{}, err
	}

	return updated, nil
}

// VerifyTaskTxParams captures the one-shot quality verdict.
type VerifyTaskTxParams struct {
	TaskPaymentID string
	QualityScore  int
	Note          string
	ActorID       string
	TransferRef   string
}

// TaskVerification reports the verdict and, on approval, the release.
type TaskVerification struct {
	Task         TaskPayment
	Escrow       Record
	Payout       *Payout
	Approved     bool
	BecameActive bool
}

// VerifyTaskTx applies the quality verdict: a score at or above the task's
// threshold releases the payment net of retention, below rejects without
// payment. Either way the task payment settles and never changes again.
func (r *Repository) VerifyTaskTx(ctx context.Context, tx pgx.Tx, params VerifyTaskTxParams) (TaskVerification, error) {
	t, err := scanTaskPayment(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_payments WHERE id = $1 FOR UPDATE`, params.TaskPaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskVerification{}, ErrTaskNotFound
		}
		return TaskVerification{}, fmt.Errorf("escrow: load task payment: %w", err)
	}
	if t.Status != TaskPending {
		return TaskVerification{}, ErrTaskSettled
	}

	rec, err := r.GetForUpdate(ctx, tx, t.EscrowID)
	if err != nil {
		return TaskVerification{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return TaskVerification{}, ErrEscrowClosed
	case StatusDisputed:
		return TaskVerification{}, ErrEscrowFrozen
	}

	note := strings.TrimSpace(params.Note)

	if params.QualityScore < t.QualityThreshold {
		rejected, err := scanTaskPayment(tx.QueryRow(ctx, `
UPDATE task_payments
SET status = 'rejected',
    quality_score = $2,
    verification_note = NULLIF($3, ''),
    verified_by = NULLIF($4, '')::uuid,
    verified_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING `+taskColumns, params.TaskPaymentID, params.QualityScore, note, params.ActorID))
		if err != nil {
			return TaskVerification{}, fmt.Errorf("escrow: reject task payment: %w", err)
		}
		if err := r.AppendEvent(ctx, tx, t.EscrowID, EventTaskVerified, params.ActorID, map[string]any{
			"task_payment_id": t.ID,
			"approved":        false,
			"quality_score":   params.QualityScore,
			"threshold":       t.QualityThreshold,
		}); err != nil {
			return TaskVerification{}, err
		}
		return TaskVerification{Task: rejected, Escrow: rec}, nil
	}

	if rec.Status == StatusPending {
		return TaskVerification{}, ErrEscrowNotFunded
	}

	gross := t.Amount
	net, retention := splitRelease(gross, rec.RetentionPct)
	if rec.Available().LessThan(gross) {
		return TaskVerification{}, fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds, gross, rec.Available())
	}

	released, err := scanTaskPayment(tx.QueryRow(ctx, `
UPDATE task_payments
SET status = 'released',
    quality_score = $2,
    verification_note = NULLIF($3, ''),
    verified_by = NULLIF($4, '')::uuid,
    verified_at = get_tx_timestamp(),
    payout_ref = $5,
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING `+taskColumns, params.TaskPaymentID, params.QualityScore, note, params.ActorID, params.TransferRef))
	if err != nil {
		return TaskVerification{}, fmt.Errorf("escrow: release task payment: %w", err)
	}

	payout, err := r.InsertPayout(ctx, tx, PayoutParams{
		EscrowID:      t.EscrowID,
		Kind:          PayoutTask,
		TaskPaymentID: &t.ID,
		Amount:        net,
		TransferRef:   params.TransferRef,
	})
	if err != nil {
		return TaskVerification{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows
SET released_amount = released_amount + $1::numeric,
    retention_held = retention_held + $2::numeric,
    updated_at = get_tx_timestamp()
WHERE id = $3
`, net.String(), retention.String(), t.EscrowID); err != nil {
		return TaskVerification{}, fmt.Errorf("escrow: debit task release: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, t.EscrowID, EventTaskVerified, params.ActorID, map[string]any{
		"task_payment_id": t.ID,
		"approved":        true,
		"quality_score":   params.QualityScore,
		"threshold":       t.QualityThreshold,
		"net":             net.String(),
		"retention":       retention.String(),
		"transfer_ref":    params.TransferRef,
	}); err != nil {
		return TaskVerification{}, err
	}

	verification := TaskVerification{Task: released, Payout: &payout, Approved: true}

	if rec.Status == StatusFunded {
		if _, err := r.TransitionStatus(ctx, tx, t.EscrowID, StatusActive, params.ActorID, nil); err != nil {
			return TaskVerification{}, err
		}
		verification.BecameActive = true
	}

	if err := r.EnqueueOutbox(ctx, tx, TopicTransferRequested, map[string]any{
		"transfer_ref":       params.TransferRef,
		"escrow_id":          t.EscrowID,
		"kind":               string(PayoutTask),
		"task_payment_id":    t.ID,
		"amount":             net.String(),
		"contractor_user_id": rec.ContractorUserID,
	}); err != nil {
		return TaskVerification{}, err
	}
	if err := r.EnqueueOutbox(ctx, tx, TopicPaymentRecorded, map[string]any{
		"kind":            string(PayoutTask),
		"escrow_id":       t.EscrowID,
		"task_payment_id": t.ID,
		"amount":          net.String(),
		"transfer_ref":    params.TransferRef,
	}); err != nil {
		return TaskVerification{}, err
	}

	escrowAfter, err := r.GetForUpdate(ctx, tx, t.EscrowID)
	if err != nil {
		return TaskVerification{}, err
	}
	verification.Escrow = escrowAfter

	return verification, nil
}

type taskRepository interface {
	CreateTaskTx(ctx context.Context, tx pgx.Tx, params CreateTaskTxParams) (TaskPayment, error)
	AttachEvidenceTx(ctx context.Context, tx pgx.Tx, params AttachEvidenceTxParams) (TaskPayment, error)
	VerifyTaskTx(ctx context.Context, tx pgx.Tx, params VerifyTaskTxParams) (TaskVerification, error)
}

// OCRClient extracts text from evidence photos.
type OCRClient interface {
	ExtractText(ctx context.Context, imageURL string) (string, error)
}

// TaskService coordinates task payment creation, evidence, and verification.
type TaskService struct {
	pool  TxBeginner
	repo  taskRepository
	ocr   OCRClient
	now   func() time.Time
	idGen func() string
}

func NewTaskService(pool TxBeginner, repo taskRepository) *TaskService {
	if repo == nil {
		repo = NewRepository()
	}
	return &TaskService{
		pool:  pool,
		repo:  repo,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

func (s *TaskService) WithOCR(client OCRClient) *TaskService {
	s.ocr = client
	return s
}

func (s *TaskService) WithClock(now func() time.Time) *TaskService {
	s.now = now
	return s
}

func (s *TaskService) WithIDGenerator(gen func() string) *TaskService {
	s.idGen = gen
	return s
}

type CreateTaskParams struct {
	EscrowID         string
	TaskName         string
	Amount           decimal.Decimal
	QualityThreshold int
	ActorID          string
}

func (s *TaskService) Create(ctx context.Context, params CreateTaskParams) (TaskPayment, error) {
	if params.EscrowID == "" {
		return TaskPayment{}, fmt.Errorf("escrow: task missing escrow id")
	}
	if strings.TrimSpace(params.TaskName) == "" {
		return TaskPayment{}, fmt.Errorf("escrow: task name required")
	}
	if !params.Amount.IsPositive() {
		return TaskPayment{}, fmt.Errorf("escrow: task amount must be positive")
	}
	if params.QualityThreshold == 0 {
		params.QualityThreshold = 80
	}
	if params.QualityThreshold < 0 || params.QualityThreshold > 100 {
		return TaskPayment{}, fmt.Errorf("escrow: quality threshold out of range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: begin task tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.CreateTaskTx(ctx, tx, CreateTaskTxParams{
		EscrowID:         params.EscrowID,
		TaskName:         strings.TrimSpace(params.TaskName),
		Amount:           params.Amount,
		QualityThreshold: params.QualityThreshold,
		ActorID:          params.ActorID,
	})
	if err != nil {
		return TaskPayment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: commit task tx: %w", err)
	}

	return t, nil
}

type AttachEvidenceParams struct {
	TaskPaymentID string
	PhotoURL      string
	ActorID       string
	ActorIsAdmin  bool
}

// AttachEvidence stores the photo reference and runs the OCR client over it.
// OCR failure does not block the evidence write.
func (s *TaskService) AttachEvidence(ctx context.Context, params AttachEvidenceParams) (TaskPayment, error) {
	if params.TaskPaymentID == "" {
		return TaskPayment{}, fmt.Errorf("escrow: missing task payment id")
	}
	if strings.TrimSpace(params.PhotoURL) == "" {
		return TaskPayment{}, fmt.Errorf("escrow: photo url required")
	}

	var extracted string
	if s.ocr != nil {
		if text, err := s.ocr.ExtractText(ctx, params.PhotoURL); err == nil {
			extracted = text
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: begin evidence tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.AttachEvidenceTx(ctx, tx, AttachEvidenceTxParams{
		TaskPaymentID: params.TaskPaymentID,
		PhotoURL:      strings.TrimSpace(params.PhotoURL),
		ExtractedText: extracted,
		ActorID:       params.ActorID,
		ActorIsAdmin:  params.ActorIsAdmin,
	})
	if err != nil {
		return TaskPayment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TaskPayment{}, fmt.Errorf("escrow: commit evidence tx: %w", err)
	}

	return t, nil
}

type VerifyTaskParams struct {
	TaskPaymentID string
	QualityScore  int
	Note          string
	ActorID       string
}

func (s *TaskService) Verify(ctx context.Context, params VerifyTaskParams) (TaskVerification, error) {
	if params.TaskPaymentID == "" {
		return TaskVerification{}, fmt.Errorf("escrow: missing task payment id")
	}
	if params.QualityScore < 0 || params.QualityScore > 100 {
		return TaskVerification{}, fmt.Errorf("escrow: quality score out of range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TaskVerification{}, fmt.Errorf("escrow: begin verification tx: %w", err)
	}
	defer tx.Rollback(ctx)

	verification, err := s.repo.VerifyTaskTx(ctx, tx, VerifyTaskTxParams{
		TaskPaymentID: params.TaskPaymentID,
		QualityScore:  params.QualityScore,
		Note:          params.Note,
		ActorID:       params.ActorID,
		TransferRef:   "pay_" + s.idGen(),
	})
	if err != nil {
		return TaskVerification{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TaskVerification{}, fmt.Errorf("escrow: commit verification tx: %w", err)
	}

	return verification, nil
}
