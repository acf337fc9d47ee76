// Package fault defines the error taxonomy shared by the relay packages.
//
// Every failure that crosses a component boundary is a [*Error] carrying a
// [Kind]. Callers classify failures with [errors.Is] against the package
// sentinels and unwrap the cause with [errors.As] or [errors.Unwrap]:
//
//	if errors.Is(err, fault.ErrNegotiation) {
//	    http.Error(w, err.Error(), http.StatusBadRequest)
//	}
//
// Propagation policy per kind:
//
//   - [Negotiation] aborts session setup and is returned to the caller.
//   - [Transport] is never returned; it surfaces as a peer close callback.
//   - [ExternalService] degrades the affected transform (no further
//     transcripts) or fails realtime bridge initialisation.
//   - [ToolInvocation] is turned into a failed tool result for the model.
//   - [Decode] aborts only the file player transform.
package fault

import "fmt"

// Kind classifies a failure.
type Kind int

const (
	// Negotiation covers malformed or incompatible session descriptions.
	Negotiation Kind = iota + 1

	// Transport covers ICE and DTLS failures.
	Transport

	// ExternalService covers speech recognition and realtime endpoint failures.
	ExternalService

	// ToolInvocation covers tool handler errors and unserialisable results.
	ToolInvocation

	// Decode covers external audio transcoding failures.
	Decode
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Negotiation:
		return "negotiation"
	case Transport:
		return "transport"
	case ExternalService:
		return "external service"
	case ToolInvocation:
		return "tool invocation"
	case Decode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "set remote description", "deepgram start stream").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an [*Error] of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an [*Error] of the given kind whose cause is built with
// [fmt.Errorf], so %w verbs keep working.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String() + " error"
	case e.Op == "":
		return e.Kind.String() + " error: " + e.Err.Error()
	case e.Err == nil:
		return e.Kind.String() + " error: " + e.Op
	}
	return e.Kind.String() + " error: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an [*Error] of the same kind. Op and Err of
// target are ignored, which lets the package sentinels match any error of
// their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for use with [errors.Is].
var (
	ErrNegotiation     = &Error{Kind: Negotiation}
	ErrTransport       = &Error{Kind: Transport}
	ErrExternalService = &Error{Kind: ExternalService}
	ErrToolInvocation  = &Error{Kind: ToolInvocation}
	ErrDecode          = &Error{Kind: Decode}
)
