package chat

import (
	"fmt"
	"log/slog"

	"github.com/postalsys/nio-chat/internal/identity"
	"github.com/postalsys/nio-chat/internal/logging"
)

// AckFormat is the acknowledgement sent back to a message's author.
const AckFormat = "System: Message sent to %d user/s"

// Router delivers chat messages to every active session but the sender's.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	return &Router{registry: registry, logger: logging.Component(logger, "router")}
}

// Forward sends "<sender>: <message>" to every other active session and then
// acknowledges the number of recipients to the sender. A failed delivery is
// logged and does not stop the others, nor is it counted.
func (r *Router) Forward(message string, sender identity.Identity) int {
	line := sender.Name + ": " + message

	delivered := 0
	for name, s := range r.registry.byName {
		if name == sender.Name {
			continue
		}
		if err := s.peer.Send(line); err != nil {
			r.logger.Warn("chat delivery failed",
				logging.KeyUser, name,
				logging.KeyError, err)
			continue
		}
		delivered++
	}

	if p, ok := r.registry.PeerOf(sender.Name); ok {
		if err := p.Send(Ack(delivered)); err != nil {
			r.logger.Warn("acknowledgement failed",
				logging.KeyUser, sender.Name,
				logging.KeyError, err)
		}
	}
	return delivered
}

// Ack returns the acknowledgement text for n recipients.
func Ack(n int) string {
	return fmt.Sprintf(AckFormat, n)
}
