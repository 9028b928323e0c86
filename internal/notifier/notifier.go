// Package notifier defines the real-time frontend push channel as the
// narrow interface the bus consumes.
package notifier

import "github.com/mcpsentinel/proxy/internal/mcpevent"

// Notifier pushes detector findings to whatever is listening on the other
// end (the /ws hub, in this proxy's case). PushFinding must never block the
// caller for longer than it takes to enqueue; a slow or disconnected
// listener is the listener's problem, not the bus's.
type Notifier interface {
	PushFinding(f mcpevent.Finding)
}
