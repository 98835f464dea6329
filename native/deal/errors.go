package deal

import "errors"

// Sentinel errors returned by the deal engine. Handlers wrap them with
// operation-specific detail; callers classify failures with errors.Is.
var (
	ErrNilState          = errors.New("deal engine: state not configured")
	ErrMissingDealID     = errors.New("deal engine: missing dealId")
	ErrMissingCaller     = errors.New("deal engine: missing caller identity")
	ErrMissingSeller     = errors.New("deal engine: missing seller")
	ErrMissingReason     = errors.New("deal engine: missing reason")
	ErrMissingStatus     = errors.New("deal engine: missing status")
	ErrInvalidResolution = errors.New(`deal engine: resolution must be "release" or "refund"`)
	ErrNotFound          = errors.New("deal engine: deal not found")
	ErrAlreadyExists     = errors.New("deal engine: deal already exists")
	ErrUnauthorized      = errors.New("deal engine: unauthorized")
	ErrWrongStatus       = errors.New("deal engine: wrong deal status")
	ErrInvalidTransition = errors.New("deal engine: invalid state transition")
)
