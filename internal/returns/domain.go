package returns

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Type distinguishes the direction of a return.
type Type string

const (
	// TypeCustomer brings goods back from a customer into stock.
	TypeCustomer Type = "customer_return"
	// TypeSupplier sends goods back to a supplier out of stock.
	TypeSupplier Type = "supplier_return"
)

// Valid reports whether t is a known return type.
func (t Type) Valid() bool {
	return t == TypeCustomer || t == TypeSupplier
}

func (t Type) numberCode() string {
	if t == TypeSupplier {
		return "S"
	}
	return "C"
}

// Status is a state of the return workflow.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Action is a workflow verb.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionProcess  Action = "process"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// transitions lists, per action, the states it may start from and the state it leads to.
var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionSubmit:   {from: []Status{StatusDraft}, to: StatusPending},
	ActionApprove:  {from: []Status{StatusPending, StatusDraft}, to: StatusApproved},
	ActionReject:   {from: []Status{StatusPending, StatusDraft}, to: StatusRejected},
	ActionProcess:  {from: []Status{StatusApproved}, to: StatusProcessing},
	ActionComplete: {from: []Status{StatusProcessing}, to: StatusCompleted},
	ActionCancel:   {from: []Status{StatusDraft, StatusPending, StatusApproved, StatusProcessing}, to: StatusCancelled},
}

// Allows reports whether action may be invoked from s.
func (s Status) Allows(action Action) bool {
	rule, ok := transitions[action]
	if !ok {
		return false
	}
	for _, from := range rule.from {
		if from == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further action is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

// Target returns the state action leads to.
func Target(action Action) Status {
	return transitions[action].to
}

// ErrStale is returned by TxRepository.Transition when the row no longer has the
// expected version and status.
var ErrStale = errors.New("returns: stale transition")

// ErrNumberTaken is returned by TxRepository.Insert when the return number is in use.
var ErrNumberTaken = errors.New("returns: number already used")

// Return is a StockReturn request.
type Return struct {
	ID             int64
	CompanyID      int64
	Number         string
	Type           Type
	Status         Status
	ProductID      int64
	BatchID        int64
	Quantity       decimal.Decimal
	ReturnValue    decimal.Decimal
	DeliveryNoteID int64
	StockOutID     int64
	StockInID      int64
	CustomerID     int64
	SupplierID     int64
	ReturnDate     time.Time
	Reason         string
	ProofPath      string
	Version        int64

	SubmittedBy        *int64
	SubmittedAt        *time.Time
	ApprovedBy         *int64
	ApprovedAt         *time.Time
	ApprovalNotes      string
	RejectedBy         *int64
	RejectedAt         *time.Time
	RejectionReason    string
	CancelledBy        *int64
	CancelledAt        *time.Time
	CancellationReason string
	ProcessedBy        *int64
	ProcessedAt        *time.Time
	ProcessingNotes    string
	CompensationID     int64

	CreatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UnitCost is the value per returned unit.
func (r Return) UnitCost() decimal.Decimal {
	if r.Quantity.IsZero() {
		return decimal.Zero
	}
	return r.ReturnValue.Div(r.Quantity)
}

// Transition is a compare-and-swap status change. It applies only while the stored row
// still has Version and From.
type Transition struct {
	ReturnID       int64
	Version        int64
	Action         Action
	From           Status
	To             Status
	ActorID        int64
	At             time.Time
	Note           string
	CompensationID int64
}

// Apply mirrors a committed transition onto r.
func (r *Return) Apply(t Transition) {
	actor := t.ActorID
	at := t.At
	r.Status = t.To
	r.Version = t.Version + 1
	r.UpdatedAt = at
	switch t.Action {
	case ActionSubmit:
		r.SubmittedBy, r.SubmittedAt = &actor, &at
	case ActionApprove:
		r.ApprovedBy, r.ApprovedAt, r.ApprovalNotes = &actor, &at, t.Note
	case ActionReject:
		r.RejectedBy, r.RejectedAt, r.RejectionReason = &actor, &at, t.Note
	case ActionCancel:
		r.CancelledBy, r.CancelledAt, r.CancellationReason = &actor, &at, t.Note
	case ActionComplete:
		r.ProcessedBy, r.ProcessedAt, r.ProcessingNotes = &actor, &at, t.Note
		r.CompensationID = t.CompensationID
	}
}

// CreateInput opens a draft return.
type CreateInput struct {
	Type           Type
	ProductID      int64
	BatchID        int64
	Quantity       decimal.Decimal
	ReturnValue    decimal.Decimal
	DeliveryNoteID int64
	StockOutID     int64
	StockInID      int64
	CustomerID     int64
	SupplierID     int64
	ReturnDate     time.Time
	Reason         string
}

// ListFilter narrows return listings.
type ListFilter struct {
	CompanyID int64
	Status    Status
	Type      Type
	Page      int
	PerPage   int
}

// Attachment is a proof document.
type Attachment struct {
	Filename string
	Content  []byte
}
