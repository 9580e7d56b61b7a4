package dashboard

import (
	"encoding/json"

	"github.com/offq/offq/internal/coordinator"
)

// EventSource is the subscription side of the coordinator.
type EventSource interface {
	Subscribe(kind coordinator.EventKind, h coordinator.Handler) func()
}

// Attach forwards every coordinator event kind to the server. The returned
// function removes all subscriptions.
func Attach(src EventSource, s *Server) func() {
	unsubs := make([]func(), 0, len(coordinator.EventKinds))
	for _, kind := range coordinator.EventKinds {
		unsubs = append(unsubs, src.Subscribe(kind, s.forward))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Server) forward(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(ev.Kind)).Msg("failed to marshal event")
		return
	}
	s.Broadcast(Message{Type: MessageType(ev.Kind), Timestamp: ev.At, Data: data})
}
