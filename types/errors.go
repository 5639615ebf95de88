package types

import "errors"

// Kind is the closed error taxonomy every package classifies into. Kinds, not concrete types:
// callers compare with errors.Is against the sentinels below, and wrap with
// fmt.Errorf("...: %w", ErrX) the way the rest of this codebase wraps errors.
type Kind int

const (
	KindTransientChain Kind = iota
	KindPermanentChain
	KindStateMachineViolation
	KindStoreTransient
	KindStorePermanent
	KindBadConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransientChain:
		return "transient_chain"
	case KindPermanentChain:
		return "permanent_chain"
	case KindStateMachineViolation:
		return "state_machine_violation"
	case KindStoreTransient:
		return "store_transient"
	case KindStorePermanent:
		return "store_permanent"
	case KindBadConfig:
		return "bad_config"
	default:
		return "unknown"
	}
}

var (
	ErrTransientChain        = errors.New("transient chain error")
	ErrPermanentChain        = errors.New("permanent chain error")
	ErrStateMachineViolation = errors.New("state machine violation")
	ErrStoreTransient        = errors.New("transient store error")
	ErrStorePermanent        = errors.New("permanent store error")
	ErrBadConfig             = errors.New("bad config")
	ErrBadTick               = errors.New("bad tick")
)

// KindOf maps a sentinel-wrapped error back to its Kind, falling back to
// PermanentChain for anything unrecognized so callers never silently treat
// an unknown failure as retryable.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrTransientChain):
		return KindTransientChain
	case errors.Is(err, ErrPermanentChain):
		return KindPermanentChain
	case errors.Is(err, ErrStateMachineViolation):
		return KindStateMachineViolation
	case errors.Is(err, ErrStoreTransient):
		return KindStoreTransient
	case errors.Is(err, ErrStorePermanent):
		return KindStorePermanent
	case errors.Is(err, ErrBadConfig):
		return KindBadConfig
	default:
		return KindPermanentChain
	}
}
