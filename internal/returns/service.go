package returns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const (
	numberAttempts = 3
	proofFolder    = "return-proofs"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Return, error)
	List(ctx context.Context, filter ListFilter) ([]Return, int, error)
	SetProofPath(ctx context.Context, id int64, path string) error
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	MaxNumber(ctx context.Context, companyID int64, prefix string) (string, error)
	Insert(ctx context.Context, ret Return) (int64, error)
	Transition(ctx context.Context, t Transition) error
}

// StockPort is the receiving and issuance engines.
type StockPort interface {
	Receive(ctx context.Context, actor shared.Actor, input inventory.ReceiveInput) (inventory.StockIn, error)
	Issue(ctx context.Context, actor shared.Actor, input inventory.IssueInput) (inventory.StockOut, error)
}

// FileStore stores return proofs.
type FileStore interface {
	Save(ctx context.Context, folder, filename string, content io.Reader) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// MetricsPort counts workflow outcomes.
type MetricsPort interface {
	ObserveReturn(action, outcome string)
}

// Service runs the return workflow.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	audit   *shared.AuditTrail
	files   FileStore
	metrics MetricsPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service. files and metrics may be nil.
func NewService(repo RepositoryPort, stock StockPort, audit *shared.AuditTrail, files FileStore, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		stock:   stock,
		audit:   audit,
		files:   files,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create opens a draft return and assigns its number.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (Return, error) {
	if err := actor.Validate(); err != nil {
		return Return{}, err
	}
	if err := validateCreate(input); err != nil {
		return Return{}, err
	}
	now := s.now()
	returnDate := input.ReturnDate
	if returnDate.IsZero() {
		returnDate = now
	}
	ret := Return{
		CompanyID:      actor.CompanyID,
		Type:           input.Type,
		Status:         StatusDraft,
		ProductID:      input.ProductID,
		BatchID:        input.BatchID,
		Quantity:       input.Quantity,
		ReturnValue:    input.ReturnValue,
		DeliveryNoteID: input.DeliveryNoteID,
		StockOutID:     input.StockOutID,
		StockInID:      input.StockInID,
		CustomerID:     input.CustomerID,
		SupplierID:     input.SupplierID,
		ReturnDate:     returnDate,
		Reason:         strings.TrimSpace(input.Reason),
		Version:        1,
		CreatedBy:      actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	prefix := NumberPrefix(input.Type, now)
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			last, err := tx.MaxNumber(ctx, actor.CompanyID, prefix)
			if err != nil {
				return err
			}
			ret.Number, err = NextNumber(prefix, last)
			if err != nil {
				return err
			}
			ret.ID, err = tx.Insert(ctx, ret)
			return err
		})
		if !errors.Is(err, ErrNumberTaken) {
			break
		}
		s.logger.Debug("return number taken, retrying", slog.String("number", ret.Number), slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return Return{}, err
	}
	s.audit.Emit(ctx, actor, "returns.create", "stock_return", strconv.FormatInt(ret.ID, 10), map[string]any{
		"number": ret.Number,
		"type":   string(ret.Type),
	}, "Opened %s %s for %v units worth %v", strings.ReplaceAll(string(ret.Type), "_", " "), ret.Number, ret.Quantity.InexactFloat64(), ret.ReturnValue.InexactFloat64())
	return ret, nil
}

// Submit moves a draft to pending.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) (Return, error) {
	return s.transition(ctx, actor, id, ActionSubmit, "")
}

// Approve moves a pending (or draft) return to approved.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64, notes string) (Return, error) {
	return s.transition(ctx, actor, id, ActionApprove, strings.TrimSpace(notes))
}

// Reject closes a pending or draft return.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (Return, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Return{}, shared.Invalid("reason", "is required")
	}
	return s.transition(ctx, actor, id, ActionReject, reason)
}

// Cancel abandons a return that has not completed.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Return, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Return{}, shared.Invalid("reason", "is required")
	}
	return s.transition(ctx, actor, id, ActionCancel, reason)
}

// Process applies the compensating stock movement of an approved return and completes
// it. The status changes and the stock rows commit together; on failure the return
// stays approved. A second call never creates a second compensation.
func (s *Service) Process(ctx context.Context, actor shared.Actor, id int64, notes string) (Return, error) {
	if err := actor.Validate(); err != nil {
		return Return{}, err
	}
	ret, err := s.load(ctx, actor, id)
	if err != nil {
		return Return{}, err
	}
	if !ret.Status.Allows(ActionProcess) {
		s.observe(ActionProcess, "rejected")
		return Return{}, &shared.InvalidStateTransitionError{Entity: "stock_return", From: string(ret.Status), Action: string(ActionProcess)}
	}
	now := s.now()
	start := Transition{ReturnID: id, Version: ret.Version, Action: ActionProcess, From: StatusApproved, To: StatusProcessing, ActorID: actor.ID, At: now}
	processing := ret
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Transition(ctx, start); err != nil {
			return err
		}
		processing.Apply(start)
		compensationID, err := s.compensate(ctx, actor, processing)
		if err != nil {
			return err
		}
		done := Transition{
			ReturnID:       id,
			Version:        processing.Version,
			Action:         ActionComplete,
			From:           StatusProcessing,
			To:             StatusCompleted,
			ActorID:        actor.ID,
			At:             now,
			Note:           strings.TrimSpace(notes),
			CompensationID: compensationID,
		}
		if err := tx.Transition(ctx, done); err != nil {
			return err
		}
		processing.Apply(done)
		return nil
	})
	if err != nil {
		s.observe(ActionProcess, "failed")
		if errors.Is(err, ErrStale) || errors.Is(err, shared.ErrConflict) {
			return Return{}, s.staleError(ctx, ret, ActionProcess, err)
		}
		return Return{}, err
	}
	s.observe(ActionProcess, "completed")
	s.audit.Emit(ctx, actor, "returns.process", "stock_return", strconv.FormatInt(id, 10), map[string]any{
		"number":          processing.Number,
		"compensation_id": processing.CompensationID,
	}, "Processed return %s: %v units of batch %d", processing.Number, processing.Quantity.InexactFloat64(), processing.BatchID)
	return processing, nil
}

// AttachProof stores a proof document for a return. The workflow state is unaffected
// by storage failures, which are logged and returned.
func (s *Service) AttachProof(ctx context.Context, actor shared.Actor, id int64, file Attachment) (Return, error) {
	ret, err := s.load(ctx, actor, id)
	if err != nil {
		return Return{}, err
	}
	if strings.TrimSpace(file.Filename) == "" || len(file.Content) == 0 {
		return Return{}, shared.Invalid("file", "is required")
	}
	if s.files == nil {
		return Return{}, errors.New("returns: file storage not configured")
	}
	path, err := s.files.Save(ctx, proofFolder, file.Filename, bytes.NewReader(file.Content))
	if err != nil {
		s.logger.Warn("store return proof failed", slog.Int64("return_id", id), slog.Any("error", err))
		return Return{}, fmt.Errorf("returns: store proof: %w", err)
	}
	if err := s.repo.SetProofPath(ctx, id, path); err != nil {
		s.logger.Warn("record return proof failed", slog.Int64("return_id", id), slog.Any("error", err))
		return Return{}, err
	}
	ret.ProofPath = path
	s.audit.Emit(ctx, actor, "returns.attach_proof", "stock_return", strconv.FormatInt(id, 10), nil, "Attached proof %s to return %s", file.Filename, ret.Number)
	return ret, nil
}

// OpenProof returns the stored proof document of a return and its path.
func (s *Service) OpenProof(ctx context.Context, actor shared.Actor, id int64) (io.ReadCloser, string, error) {
	ret, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, "", err
	}
	if ret.ProofPath == "" || s.files == nil {
		return nil, "", shared.NotFound("return_proof", id)
	}
	rc, err := s.files.Open(ctx, ret.ProofPath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("return proof missing from storage", slog.Int64("return_id", id), slog.String("path", ret.ProofPath))
		return nil, "", shared.NotFound("return_proof", id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("returns: open proof: %w", err)
	}
	return rc, ret.ProofPath, nil
}

// Get returns a return owned by the actor's company.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Return, error) {
	return s.load(ctx, actor, id)
}

// List lists returns matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Return, shared.Pagination, error) {
	if filter.CompanyID <= 0 {
		return nil, shared.Pagination{}, shared.Invalid("company", "is required")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, shared.Pagination{}, shared.Invalid("type", "is unknown")
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) transition(ctx context.Context, actor shared.Actor, id int64, action Action, note string) (Return, error) {
	if err := actor.Validate(); err != nil {
		return Return{}, err
	}
	ret, err := s.load(ctx, actor, id)
	if err != nil {
		return Return{}, err
	}
	if !ret.Status.Allows(action) {
		s.observe(action, "rejected")
		return Return{}, &shared.InvalidStateTransitionError{Entity: "stock_return", From: string(ret.Status), Action: string(action)}
	}
	t := Transition{ReturnID: id, Version: ret.Version, Action: action, From: ret.Status, To: Target(action), ActorID: actor.ID, At: s.now(), Note: note}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Transition(ctx, t)
	})
	if err != nil {
		if errors.Is(err, ErrStale) || errors.Is(err, shared.ErrConflict) {
			return Return{}, s.staleError(ctx, ret, action, err)
		}
		return Return{}, err
	}
	ret.Apply(t)
	s.observe(action, string(ret.Status))
	s.audit.Emit(ctx, actor, "returns."+string(action), "stock_return", strconv.FormatInt(id, 10), map[string]any{"note": note},
		"Return %s moved to %s", ret.Number, ret.Status)
	return ret, nil
}

// compensate applies the stock side of a return through the engines and returns the id
// of the StockIn or StockOut it created.
func (s *Service) compensate(ctx context.Context, actor shared.Actor, ret Return) (int64, error) {
	switch ret.Type {
	case TypeCustomer:
		in, err := s.stock.Receive(ctx, actor, inventory.ReceiveInput{
			ProductID:    ret.ProductID,
			BatchID:      ret.BatchID,
			Quantity:     ret.Quantity,
			UnitCost:     ret.UnitCost(),
			ReceivedDate: ret.ReturnDate,
			ReturnID:     ret.ID,
		})
		if err != nil {
			return 0, fmt.Errorf("returns: receive: %w", err)
		}
		return in.ID, nil
	case TypeSupplier:
		out, err := s.stock.Issue(ctx, actor, inventory.IssueInput{
			ProductID:       ret.ProductID,
			BatchID:         ret.BatchID,
			Quantity:        ret.Quantity,
			TransactionType: inventory.TransactionReturnSupplier,
			ReturnID:        ret.ID,
			IssuedDate:      ret.ReturnDate,
		})
		if err != nil {
			return 0, fmt.Errorf("returns: issue: %w", err)
		}
		return out.ID, nil
	}
	return 0, shared.Invalid("type", "is unknown")
}

// staleError explains a lost compare-and-swap by reloading the row.
func (s *Service) staleError(ctx context.Context, before Return, action Action, cause error) error {
	current, err := s.repo.Get(ctx, before.ID)
	if err != nil {
		return cause
	}
	switch {
	case action == ActionProcess && (current.Status == StatusProcessing || current.Status == StatusCompleted):
		return &shared.AlreadyProcessedError{Entity: "stock_return", ID: before.ID, Status: string(current.Status)}
	case current.Status != before.Status:
		return &shared.InvalidStateTransitionError{Entity: "stock_return", From: string(current.Status), Action: string(action)}
	}
	return cause
}

func (s *Service) load(ctx context.Context, actor shared.Actor, id int64) (Return, error) {
	ret, err := s.repo.Get(ctx, id)
	if err != nil {
		return Return{}, err
	}
	if ret.CompanyID != actor.CompanyID {
		return Return{}, shared.NotFound("stock_return", id)
	}
	return ret, nil
}

func (s *Service) observe(action Action, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveReturn(string(action), outcome)
	}
}

// NumberPrefix is the per company, type and month prefix of return numbers.
func NumberPrefix(t Type, at time.Time) string {
	return fmt.Sprintf("RET-%s-%04d%02d-", t.numberCode(), at.Year(), int(at.Month()))
}

// NextNumber derives the number following last within prefix. last is empty when no
// number exists yet.
func NextNumber(prefix, last string) (string, error) {
	seq := 0
	if last != "" {
		if !strings.HasPrefix(last, prefix) {
			return "", fmt.Errorf("returns: number %q outside prefix %q", last, prefix)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
		if err != nil {
			return "", fmt.Errorf("returns: parse number %q: %w", last, err)
		}
		seq = n
	}
	return fmt.Sprintf("%s%04d", prefix, seq+1), nil
}

func validateCreate(input CreateInput) error {
	if !input.Type.Valid() {
		return shared.Invalid("type", "must be customer_return or supplier_return")
	}
	if input.ProductID <= 0 {
		return shared.Invalid("product_id", "is required")
	}
	if input.BatchID <= 0 {
		return shared.Invalid("batch_id", "is required")
	}
	if !input.Quantity.IsPositive() {
		return shared.Invalid("quantity", "must be greater than zero")
	}
	if input.ReturnValue.IsNegative() {
		return shared.Invalid("return_value", "must not be negative")
	}
	switch input.Type {
	case TypeCustomer:
		if input.DeliveryNoteID <= 0 && input.StockOutID <= 0 {
			return shared.Invalid("source", "customer returns need a delivery note or stock-out")
		}
	case TypeSupplier:
		if input.StockInID <= 0 {
			return shared.Invalid("stock_in_id", "is required for supplier returns")
		}
	}
	return nil
}
