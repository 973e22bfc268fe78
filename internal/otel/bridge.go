package otel

import (
	"context"

	"github.com/dowhiz/dowhiz/internal/bus"
)

// BridgeBus subscribes to the event bus and mirrors lifecycle events
// into metric instruments. Returns when the context ends.
func BridgeBus(ctx context.Context, b *bus.Bus, m *Metrics) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch event.Topic {
			case bus.TopicIngestAccepted:
				m.IngestAccepted.Add(ctx, 1)
				m.QueueDepth.Add(ctx, 1)
			case bus.TopicIngestDuplicate:
				m.IngestDeduped.Add(ctx, 1)
			case bus.TopicIngestNoRoute:
				m.IngestNoRoute.Add(ctx, 1)
			case bus.TopicTaskCompleted:
				m.TasksExecuted.Add(ctx, 1)
			case bus.TopicTaskFailed:
				m.TasksFailed.Add(ctx, 1)
			case bus.TopicTaskCancelled:
				m.TasksCancelled.Add(ctx, 1)
			}
		}
	}
}
