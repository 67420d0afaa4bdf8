package engine

import "errors"

// ErrSessionClosed is returned by any operation on a closed Session.
var ErrSessionClosed = errors.New("engine: session closed")

// Mode selects between training and inference behaviour.
type Mode int

const (
	ModeTrain Mode = iota
	ModeInfer
)

func (m Mode) String() string {
	if m == ModeInfer {
		return "infer"
	}
	return "train"
}

// Session is the execution context owned by the caller of a run. Every
// parameter the model registers lives in the session; nothing is global.
type Session struct {
	params *ParamSet
	mode   Mode
	closed bool
}

// Open creates a session with an empty parameter set.
func Open() *Session {
	return &Session{params: NewParamSet()}
}

// Params returns the live parameter set.
func (s *Session) Params() *ParamSet {
	return s.params
}

// Mode reports the current mode.
func (s *Session) Mode() Mode {
	return s.mode
}

// SetMode switches between training and inference.
func (s *Session) SetMode(m Mode) {
	s.mode = m
}

// Check returns ErrSessionClosed once Close has been called.
func (s *Session) Check() error {
	if s == nil || s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Close releases the parameters. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.params = NewParamSet()
	return nil
}
