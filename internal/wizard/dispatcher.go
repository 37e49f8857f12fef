package wizard

import (
	"context"
	"errors"
	"sync"

	"github.com/MGallo-Code/chiroport/internal/intake"
	"github.com/MGallo-Code/chiroport/internal/metrics"
)

// Location is the slice of location config the wizard needs.
type Location struct {
	ID       string
	Name     string
	Category Category
	// WaitwhileLocationID is the provider's id; ID is used when empty.
	WaitwhileLocationID string
}

// BuildIntake maps a details-step state to the submission payload.
func BuildIntake(s State, loc Location) intake.Intake {
	locationID := loc.WaitwhileLocationID
	if locationID == "" {
		locationID = loc.ID
	}
	in := intake.Intake{
		LocationID:       locationID,
		Name:             s.Details.Name,
		Phone:            s.Details.Phone,
		Email:            s.Details.Email,
		Birthday:         s.Details.Birthday,
		Discomfort:       append([]string{}, s.Details.Discomfort...),
		AdditionalInfo:   s.Details.AdditionalInfo,
		Consent:          s.Details.Consent,
		VisitCategory:    string(s.VisitCategory),
		IsMember:         s.IsMember.Ptr(),
		SpinalAdjustment: s.SpinalAdjustment.Ptr(),
	}
	if s.SelectedTreatment != nil {
		t := *s.SelectedTreatment
		in.SelectedTreatment = &t
	}
	return in
}

// Submitter forwards a finished intake to the queue provider.
type Submitter interface {
	Submit(ctx context.Context, in intake.Intake) (*intake.SubmitResult, error)
}

// Dispatcher owns one session's state and serializes events against it.
type Dispatcher struct {
	mu       sync.Mutex
	state    State
	location Location
	client   Submitter
}

// NewDispatcher starts a session at the location's initial step.
func NewDispatcher(loc Location, client Submitter) *Dispatcher {
	return &Dispatcher{
		state:    Initial(loc.Category),
		location: loc,
		client:   client,
	}
}

// State returns a copy of the current state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

// Dispatch applies ev. Rejected events leave the state unchanged.
func (d *Dispatcher) Dispatch(ev Event) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := Apply(d.state, ev)
	if err != nil {
		return d.state.clone(), err
	}
	d.state = next
	return next.clone(), nil
}

// Submit runs the submission lifecycle: attempt, validate, start, call the
// provider, then record success or failure. Field errors come back without
// the provider being called. A second Submit while one is in flight returns
// ErrSubmissionInFlight. The lock is not held during the provider call.
func (d *Dispatcher) Submit(ctx context.Context) (State, intake.FieldErrors, error) {
	d.mu.Lock()
	s, err := Apply(d.state, AttemptSubmit{})
	if err != nil {
		d.mu.Unlock()
		return d.state.clone(), nil, err
	}
	d.state = s

	in := BuildIntake(s, d.location)
	if fe := intake.Validate(in); fe != nil {
		d.mu.Unlock()
		metrics.WizardSubmissions.WithLabelValues("invalid").Inc()
		return s.clone(), fe, nil
	}

	s, err = Apply(s, SubmissionStarted{})
	if err != nil {
		d.mu.Unlock()
		return d.state.clone(), nil, err
	}
	d.state = s
	d.mu.Unlock()

	res, callErr := d.client.Submit(ctx, in)

	d.mu.Lock()
	defer d.mu.Unlock()

	if callErr != nil {
		metrics.WizardSubmissions.WithLabelValues("failed").Inc()
		msg := defaultSubmissionError
		if errors.Is(callErr, context.Canceled) {
			msg = "Submission cancelled."
		}
		if next, err := Apply(d.state, SubmissionFailed{Message: msg}); err == nil {
			d.state = next
		}
		return d.state.clone(), nil, callErr
	}

	metrics.WizardSubmissions.WithLabelValues("succeeded").Inc()
	result := SubmissionResult{QueueEntryID: res.QueueEntryID, Position: res.QueuePosition}
	next, err := Apply(d.state, SubmissionSucceeded{Result: result})
	if err != nil {
		// Reset while the call was in flight; the queue entry exists but the
		// session moved on.
		return d.state.clone(), nil, err
	}
	d.state = next
	return next.clone(), nil, nil
}
