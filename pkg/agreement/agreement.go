// Package agreement tracks the post-signing life of an executed document:
// obligations, payment triggers, deadlines, amendments, and a status machine
// with a fixed transition graph.
package agreement

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/crypto"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const StoreFile = "agreement-states.json"

// Status is an agreement lifecycle state.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingReview    Status = "pending-review"
	StatusPendingSignature Status = "pending-signature"
	StatusSigned           Status = "signed"
	StatusActive           Status = "active"
	StatusAmended          Status = "amended"
	StatusBreached         Status = "breached"
	StatusDisputed         Status = "disputed"
	StatusTerminated       Status = "terminated"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusArchived         Status = "archived"
)

// transitions is the fixed graph. A pair absent here is rejected.
var transitions = map[Status][]Status{
	StatusDraft:            {StatusPendingReview, StatusPendingSignature, StatusArchived},
	StatusPendingReview:    {StatusDraft, StatusPendingSignature, StatusArchived},
	StatusPendingSignature: {StatusSigned, StatusDraft, StatusArchived},
	StatusSigned:           {StatusActive, StatusArchived},
	StatusActive:           {StatusAmended, StatusBreached, StatusDisputed, StatusCompleted, StatusTerminated, StatusExpired},
	StatusAmended:          {StatusActive, StatusBreached, StatusDisputed, StatusTerminated},
	StatusBreached:         {StatusDisputed, StatusTerminated, StatusActive},
	StatusDisputed:         {StatusActive, StatusTerminated, StatusBreached},
	StatusTerminated:       {StatusArchived},
	StatusCompleted:        {StatusArchived},
	StatusExpired:          {StatusArchived, StatusActive},
	StatusArchived:         {},
}

var (
	ErrNotFound = errors.New("agreement: not found")
)

// InvalidTransitionError carries the allowed destinations so callers can
// surface them.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	return fmt.Sprintf("agreement: transition %s -> %s not allowed (allowed: %s)", e.From, e.To, strings.Join(allowed, ", "))
}

// Obligation is one contractual duty.
type Obligation struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee"`
	DueDate     time.Time  `json:"dueDate"`
	Status      string     `json:"status"`
	FulfilledAt *time.Time `json:"fulfilledAt,omitempty"`
}

// Obligation statuses.
const (
	ObligationPending   = "pending"
	ObligationFulfilled = "fulfilled"
	ObligationOverdue   = "overdue"
	ObligationWaived    = "waived"
	ObligationBreached  = "breached"
)

// PaymentTrigger is one conditional payment.
type PaymentTrigger struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Condition string    `json:"condition"`
	DueDate   time.Time `json:"dueDate"`
	Status    string    `json:"status"`
}

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentTriggered = "triggered"
	PaymentPaid      = "paid"
	PaymentOverdue   = "overdue"
	PaymentDisputed  = "disputed"
)

// Deadline is one dated milestone.
type Deadline struct {
	ID     string    `json:"id"`
	Date   time.Time `json:"date"`
	Type   string    `json:"type"`
	Status string    `json:"status"`
}

// Deadline types and statuses.
const (
	DeadlineHard      = "hard"
	DeadlineSoft      = "soft"
	DeadlineRecurring = "recurring"

	DeadlineUpcoming = "upcoming"
	DeadlineMet      = "met"
	DeadlineMissed   = "missed"
	DeadlineExtended = "extended"
)

// Amendment is one versioned modification.
type Amendment struct {
	ID                 string    `json:"id"`
	Version            string    `json:"version"`
	Description        string    `json:"description"`
	EffectiveDate      time.Time `json:"effectiveDate"`
	Approvers          []string  `json:"approvers"`
	ContentHash        string    `json:"contentHash"`
	PredecessorVersion string    `json:"predecessorVersion,omitempty"`
}

// Transition is one status change in the history.
type Transition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	Evidence  string    `json:"evidence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Agreement is one tracked post-signing artifact.
type Agreement struct {
	AgreementID string           `json:"agreementId"`
	DocumentID  string           `json:"documentId,omitempty"`
	Title       string           `json:"title"`
	Parties     []string         `json:"parties,omitempty"`
	Status      Status           `json:"status"`
	Obligations []Obligation     `json:"obligations,omitempty"`
	Payments    []PaymentTrigger `json:"payments,omitempty"`
	Deadlines   []Deadline       `json:"deadlines,omitempty"`
	Amendments  []Amendment      `json:"amendments,omitempty"`
	History     []Transition     `json:"history"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// OverdueObligation is one finding from an overdue sweep.
type OverdueObligation struct {
	AgreementID string     `json:"agreementId"`
	Obligation  Obligation `json:"obligation"`
}

// DeadlineFinding is one finding from a deadline sweep.
type DeadlineFinding struct {
	AgreementID string   `json:"agreementId"`
	Deadline    Deadline `json:"deadline"`
}

type agreementState struct {
	Engine     string      `json:"engine"`
	Version    string      `json:"version"`
	Agreements []Agreement `json:"agreements"`
}

// Engine owns the agreement store.
type Engine struct {
	mu    sync.RWMutex
	file  *store.File
	state agreementState
	clock func() time.Time
}

// NewEngine loads or creates the agreement store under dataDir.
func NewEngine(dataDir string) (*Engine, error) {
	e := &Engine{
		file:  store.NewFile(dataDir, StoreFile),
		clock: time.Now,
	}
	found, err := e.file.Load(&e.state)
	if err != nil {
		return nil, err
	}
	if !found {
		e.state = agreementState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return e, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateAgreement opens a new agreement in draft.
func (e *Engine) CreateAgreement(documentID, title string, parties []string) (*Agreement, error) {
	if title == "" {
		return nil, fmt.Errorf("agreement: title is required")
	}
	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	ag := Agreement{
		AgreementID: "agr-" + id,
		DocumentID:  documentID,
		Title:       title,
		Parties:     parties,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.state.Agreements = append(e.state.Agreements, ag)
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := ag
	return &out, nil
}

// GetAgreement returns an agreement copy by id.
func (e *Engine) GetAgreement(agreementID string) (*Agreement, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ag := e.find(agreementID)
	if ag == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agreementID)
	}
	out := *ag
	return &out, nil
}

// TransitionStatus is the only way an agreement's status changes. The pair is
// checked against the fixed transition graph.
func (e *Engine) TransitionStatus(agreementID string, to Status, actor, reason, evidence string) (*Agreement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ag := e.find(agreementID)
	if ag == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agreementID)
	}
	allowed, known := transitions[ag.Status]
	if !known {
		return nil, fmt.Errorf("agreement: unknown current status %q", ag.Status)
	}
	permitted := false
	for _, s := range allowed {
		if s == to {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, &InvalidTransitionError{From: ag.Status, To: to, Allowed: allowed}
	}

	now := e.clock().UTC()
	ag.History = append(ag.History, Transition{
		From:      ag.Status,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		Evidence:  evidence,
		Timestamp: now,
	})
	ag.Status = to
	ag.UpdatedAt = now
	if err := e.file.Write(&e.state); err != nil {
		return nil, err
	}
	out := *ag
	return &out, nil
}

// AllowedTransitions lists the legal destinations from an agreement's
// current status.
func (e *Engine) AllowedTransitions(agreementID string) ([]Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ag := e.find(agreementID)
	if ag == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, agreementID)
	}
	return append([]Status(nil), transitions[ag.Status]...), nil
}

// AddObligation attaches a pending obligation.
func (e *Engine) AddObligation(agreementID, description, assignee string, due time.Time) (*Obligation, error) {
	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	ob := Obligation{
		ID:          "obl-" + id,
		Description: description,
		Assignee:    assignee,
		DueDate:     due.UTC(),
		Status:      ObligationPending,
	}
	err = e.mutate(agreementID, func(ag *Agreement) { ag.Obligations = append(ag.Obligations, ob) })
	if err != nil {
		return nil, err
	}
	return &ob, nil
}

// FulfillObligation marks an obligation fulfilled.
func (e *Engine) FulfillObligation(agreementID, obligationID string) error {
	now := e.clock().UTC()
	found := false
	err := e.mutate(agreementID, func(ag *Agreement) {
		for i := range ag.Obligations {
			if ag.Obligations[i].ID == obligationID {
				ag.Obligations[i].Status = ObligationFulfilled
				ag.Obligations[i].FulfilledAt = &now
				found = true
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("agreement: obligation %s not found", obligationID)
	}
	return nil
}

// AddPaymentTrigger attaches a pending payment trigger.
func (e *Engine) AddPaymentTrigger(agreementID string, amount float64, currency, condition string, due time.Time) (*PaymentTrigger, error) {
	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	pt := PaymentTrigger{
		ID:        "pay-" + id,
		Amount:    amount,
		Currency:  currency,
		Condition: condition,
		DueDate:   due.UTC(),
		Status:    PaymentPending,
	}
	err = e.mutate(agreementID, func(ag *Agreement) { ag.Payments = append(ag.Payments, pt) })
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

// AddDeadline attaches an upcoming deadline.
func (e *Engine) AddDeadline(agreementID string, date time.Time, deadlineType string) (*Deadline, error) {
	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	dl := Deadline{
		ID:     "ddl-" + id,
		Date:   date.UTC(),
		Type:   deadlineType,
		Status: DeadlineUpcoming,
	}
	err = e.mutate(agreementID, func(ag *Agreement) { ag.Deadlines = append(ag.Deadlines, dl) })
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// AddAmendment records a versioned modification. The predecessor version is
// the latest amendment's version, or empty for the first.
func (e *Engine) AddAmendment(agreementID, version, description, contentHash string, effective time.Time, approvers []string) (*Amendment, error) {
	id, err := crypto.NewID()
	if err != nil {
		return nil, err
	}
	am := Amendment{
		ID:            "amd-" + id,
		Version:       version,
		Description:   description,
		EffectiveDate: effective.UTC(),
		Approvers:     approvers,
		ContentHash:   contentHash,
	}
	err = e.mutate(agreementID, func(ag *Agreement) {
		if n := len(ag.Amendments); n > 0 {
			am.PredecessorVersion = ag.Amendments[n-1].Version
		}
		ag.Amendments = append(ag.Amendments, am)
	})
	if err != nil {
		return nil, err
	}
	return &am, nil
}

// GetOverdueObligations walks non-terminal agreements, flips past-due pending
// obligations to overdue, persists, and returns the findings.
func (e *Engine) GetOverdueObligations() ([]OverdueObligation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	var findings []OverdueObligation
	changed := false
	for i := range e.state.Agreements {
		ag := &e.state.Agreements[i]
		if isTerminal(ag.Status) {
			continue
		}
		flipped := false
		for j := range ag.Obligations {
			ob := &ag.Obligations[j]
			if ob.Status == ObligationPending && now.After(ob.DueDate) {
				ob.Status = ObligationOverdue
				flipped = true
			}
			if ob.Status == ObligationOverdue {
				findings = append(findings, OverdueObligation{AgreementID: ag.AgreementID, Obligation: *ob})
			}
		}
		if flipped {
			ag.UpdatedAt = now
			changed = true
		}
	}
	if changed {
		if err := e.file.Write(&e.state); err != nil {
			return nil, err
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].Obligation.DueDate.Before(findings[j].Obligation.DueDate)
	})
	return findings, nil
}

// CheckDeadlines flips past-due upcoming deadlines to missed, flips past-due
// pending payments to overdue, persists, and returns the deadline findings.
func (e *Engine) CheckDeadlines() ([]DeadlineFinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock().UTC()
	var findings []DeadlineFinding
	changed := false
	for i := range e.state.Agreements {
		ag := &e.state.Agreements[i]
		if isTerminal(ag.Status) {
			continue
		}
		flipped := false
		for j := range ag.Deadlines {
			dl := &ag.Deadlines[j]
			if dl.Status == DeadlineUpcoming && now.After(dl.Date) {
				dl.Status = DeadlineMissed
				flipped = true
			}
			if dl.Status == DeadlineMissed {
				findings = append(findings, DeadlineFinding{AgreementID: ag.AgreementID, Deadline: *dl})
			}
		}
		for j := range ag.Payments {
			pt := &ag.Payments[j]
			if pt.Status == PaymentPending && now.After(pt.DueDate) {
				pt.Status = PaymentOverdue
				flipped = true
			}
		}
		if flipped {
			ag.UpdatedAt = now
			changed = true
		}
	}
	if changed {
		if err := e.file.Write(&e.state); err != nil {
			return nil, err
		}
	}
	return findings, nil
}

// Count returns the number of stored agreements.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state.Agreements)
}

func (e *Engine) find(agreementID string) *Agreement {
	for i := range e.state.Agreements {
		if e.state.Agreements[i].AgreementID == agreementID {
			return &e.state.Agreements[i]
		}
	}
	return nil
}

func (e *Engine) mutate(agreementID string, fn func(*Agreement)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ag := e.find(agreementID)
	if ag == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, agreementID)
	}
	fn(ag)
	ag.UpdatedAt = e.clock().UTC()
	return e.file.Write(&e.state)
}

func isTerminal(s Status) bool {
	return s == StatusArchived
}
