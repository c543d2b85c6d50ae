package queue

import (
	"encoding/json"
	"time"
)

// BindingConsumer is satisfied by the RabbitMQ consumer.
type BindingConsumer interface {
	ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error
}

// ListenForWakeups wakes the dispatcher whenever a job enqueued elsewhere is
// already runnable. Delayed jobs are left to the poll loop.
func (d *Dispatcher) ListenForWakeups(consumer BindingConsumer, queueName string) error {
	return consumer.ConsumeWithBindings(WakeupExchange, queueName, map[string]func([]byte) bool{
		RoutingKeyEnqueued: func(body []byte) bool {
			var event EnqueuedEvent
			if err := json.Unmarshal(body, &event); err != nil {
				d.logger.Warn("dropping malformed wake-up", "error", err)
				return true
			}
			if event.RunAt.After(time.Now().Add(d.cfg.PollInterval)) {
				return true
			}
			d.Wake()
			return true
		},
	})
}
