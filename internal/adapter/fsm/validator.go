package fsm

import (
	"context"
	"errors"

	loopfsm "github.com/looplab/fsm"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: Validator implements domain.TransitionValidator.
var _ domain.TransitionValidator = (*Validator)(nil)

// Each lifecycle table is turned into looplab/fsm events named after their
// destination ("to_active", "to_failed", ...). Transitions that share a
// destination collapse into one EventDesc with several source states.
var (
	profileEvents   = buildEvents(profilePairs())
	migrationEvents = buildEvents(migrationPairs())
)

type pair struct {
	src string
	dst string
}

func profilePairs() []pair {
	out := make([]pair, 0, len(domain.ProfileTransitions))
	for _, t := range domain.ProfileTransitions {
		out = append(out, pair{src: string(t.Src), dst: string(t.Dst)})
	}
	return out
}

func migrationPairs() []pair {
	out := make([]pair, 0, len(domain.MigrationTransitions))
	for _, t := range domain.MigrationTransitions {
		out = append(out, pair{src: string(t.Src), dst: string(t.Dst)})
	}
	return out
}

func eventName(dst string) string {
	return "to_" + dst
}

func buildEvents(pairs []pair) []loopfsm.EventDesc {
	grouped := make(map[string][]string)
	order := make([]string, 0)

	for _, p := range pairs {
		if _, exists := grouped[p.dst]; !exists {
			order = append(order, p.dst)
		}
		grouped[p.dst] = append(grouped[p.dst], p.src)
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, dst := range order {
		out = append(out, loopfsm.EventDesc{
			Name: eventName(dst),
			Src:  grouped[dst],
			Dst:  dst,
		})
	}
	return out
}

// Validator implements domain.TransitionValidator using looplab/fsm.
// looplab/fsm is stateful, so a short-lived machine is created per call,
// initialized with the resource's current state.
type Validator struct{}

// New creates a new FSM-backed transition validator.
func New() *Validator {
	return &Validator{}
}

// ValidateProfile returns a *domain.TransitionError if a profile may not move
// from one status to the other.
func (v *Validator) ValidateProfile(ctx context.Context, from, to domain.ProfileStatus) error {
	allowed, err := fire(ctx, profileEvents, string(from), string(to))
	if err != nil {
		return err
	}
	if !allowed {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}

// ValidateMigration returns a *domain.InvalidStateError if a migration may not
// move from one status to the other.
func (v *Validator) ValidateMigration(ctx context.Context, from, to domain.MigrationStatus) error {
	allowed, err := fire(ctx, migrationEvents, string(from), string(to))
	if err != nil {
		return err
	}
	if !allowed {
		return &domain.InvalidStateError{
			Resource:  domain.ResourceMigration,
			Operation: "move to " + string(to),
			Current:   string(from),
		}
	}
	return nil
}

func fire(ctx context.Context, events []loopfsm.EventDesc, from, to string) (bool, error) {
	machine := loopfsm.NewFSM(from, events, nil)

	if err := machine.Event(ctx, eventName(to)); err != nil {
		var invalidEvent loopfsm.InvalidEventError
		var unknownEvent loopfsm.UnknownEventError
		var noTransition loopfsm.NoTransitionError
		if errors.As(err, &invalidEvent) || errors.As(err, &unknownEvent) || errors.As(err, &noTransition) {
			return false, nil
		}
		return false, err
	}
	return machine.Current() == to, nil
}
