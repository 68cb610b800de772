package promotion

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle of a promotion request.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateApplied  State = "APPLIED"
	StateRejected State = "REJECTED"
)

// Request gates a planned promotion on approvals. It moves
// PENDING -> APPROVED once the required number of distinct users approve,
// then APPLIED when executed; REJECTED is terminal.
type Request struct {
	ID       string
	Plan     *PlanResult
	Required int

	mu         sync.Mutex
	state      State
	approvers  map[string]struct{}
	rejectedBy string
}

// NewRequest opens a request over |plan| requiring |required| distinct
// approvals. A request requiring zero approvals starts APPROVED.
func NewRequest(plan *PlanResult, required int) *Request {
	var r = &Request{
		ID:        uuid.NewString(),
		Plan:      plan,
		Required:  required,
		state:     StatePending,
		approvers: make(map[string]struct{}),
	}
	if required <= 0 {
		r.state = StateApproved
	}
	return r
}

// State returns the current request state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Approvers returns who has approved, sorted.
func (r *Request) Approvers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = make([]string, 0, len(r.approvers))
	for user := range r.approvers {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// RejectedBy returns who rejected the request, when it was.
func (r *Request) RejectedBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectedBy
}

// Approve records |user|'s approval. Approving twice is a no-op. The
// request becomes APPROVED when the required count of distinct users is
// reached.
func (r *Request) Approve(user string) error {
	if user == "" {
		return fmt.Errorf("approver is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePending, StateApproved:
		// Pass.
	default:
		return fmt.Errorf("request %s is %s", r.ID, r.state)
	}

	if _, ok := r.approvers[user]; ok {
		return nil
	}
	r.approvers[user] = struct{}{}

	if r.state == StatePending && len(r.approvers) >= r.Required {
		r.state = StateApproved
		log.WithFields(log.Fields{
			"request":   r.ID,
			"approvals": len(r.approvers),
		}).Info("promotion request approved")
	}
	return nil
}

// Reject closes the request. Rejection wins over any accumulated approvals
// but cannot undo an applied promotion.
func (r *Request) Reject(user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StatePending, StateApproved:
		r.state = StateRejected
		r.rejectedBy = user
		return nil
	case StateRejected:
		return nil
	default:
		return fmt.Errorf("request %s is %s", r.ID, r.state)
	}
}

// Execute applies the plan's artifacts in order through |applier|. It
// requires the APPROVED state; a failed step leaves the request APPROVED so
// the promotion can be retried after the cause is fixed.
func (r *Request) Execute(ctx context.Context, applier Applier) error {
	r.mu.Lock()
	if r.state != StateApproved {
		var state = r.state
		r.mu.Unlock()
		return fmt.Errorf("request %s is %s, not %s", r.ID, state, StateApproved)
	}
	r.mu.Unlock()

	for _, step := range r.Plan.Steps {
		if err := applier.Apply(ctx, step.Artifact); err != nil {
			return fmt.Errorf("applying channel %s: %w", step.Artifact.ChannelID, err)
		}
	}

	r.mu.Lock()
	r.state = StateApplied
	r.mu.Unlock()
	return nil
}
