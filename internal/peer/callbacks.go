package peer

import "github.com/basarevych/tunneld/internal/peerpb"

// Callbacks is the typed event surface a Session reports through,
// replacing the "event-emitter dispatch" the Design Notes (spec.md §9)
// ask us to turn into explicit callback interfaces. OnEstablished and
// OnInner are invoked from the session's own goroutine; OnClosed runs on
// whichever goroutine tears the session down (the session's own, or a
// caller of Close). None of them may block.
type Callbacks struct {
	// OnEstablished fires exactly once per session, before the first
	// inner DATA is delivered upward (spec.md §5).
	OnEstablished func(s *Session)
	// OnInner delivers one inner substream message (OPEN/DATA/CLOSE).
	OnInner func(s *Session, msg *peerpb.InnerMessage)
	// OnClosed fires once, when the session has fully torn down.
	OnClosed func(s *Session)
}
