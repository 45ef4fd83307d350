package stream

import "fmt"

// ErrorKind classifies stream errors.
type ErrorKind int

const (
	// ErrKindUnsupported: the stream is not seekable.
	ErrKindUnsupported ErrorKind = iota + 1
	// ErrKindBadDescriptor: the operation does not match the stream's direction.
	ErrKindBadDescriptor
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindUnsupported:
		return "illegal seek"
	case ErrKindBadDescriptor:
		return "bad file descriptor"
	default:
		return "stream error"
	}
}

// Error is returned by stream operations the stream cannot perform.
type Error struct {
	Kind ErrorKind
	Op   string
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Kind)
}

// Is matches any stream error of the same kind, so callers can test
// errors.Is(err, stream.ErrUnsupported).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnsupported   = &Error{Kind: ErrKindUnsupported}
	ErrBadDescriptor = &Error{Kind: ErrKindBadDescriptor}
)

func unsupported(op, name string) error {
	return &Error{Kind: ErrKindUnsupported, Op: op, Name: name}
}

func badDescriptor(op, name string) error {
	return &Error{Kind: ErrKindBadDescriptor, Op: op, Name: name}
}
