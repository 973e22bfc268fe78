// Package ingest accepts parsed inbound messages and turns them into
// durable queue envelopes: blacklist check, route, raw payload store,
// dedupe, enqueue — in that order, so a 5xx before the dedupe insert
// lets the provider retry safely.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dowhiz/dowhiz/internal/audit"
	"github.com/dowhiz/dowhiz/internal/blob"
	"github.com/dowhiz/dowhiz/internal/bus"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/queue"
	"github.com/dowhiz/dowhiz/internal/route"
)

// Outcome classifies what the gateway should answer the provider.
type Outcome int

const (
	// Accepted: stored and enqueued; answer 200.
	Accepted Outcome = iota
	// Duplicate: already processed; answer 2xx without enqueue.
	Duplicate
	// NoRoute: no employee serves this address; answer 204.
	NoRoute
	// Dropped: sender blacklisted; answer 2xx without enqueue.
	Dropped
)

// ErrStorage marks blob/queue failures the provider should retry (5xx).
var ErrStorage = errors.New("ingest storage failure")

// Result reports one accepted message.
type Result struct {
	Outcome    Outcome
	EnvelopeID string
	EmployeeID string
}

// Service wires the gateway's ingest path.
type Service struct {
	Router    *route.Router
	Blacklist *route.Blacklist
	Blobs     *blob.Store
	Dedupe    *DedupeStore
	Queue     *queue.Queue
	Bus       *bus.Bus
	Logger    *slog.Logger
	// TenantID scopes dedupe keys; single-tenant deployments leave it "".
	TenantID string
}

// Accept runs the full ingest path for one parsed message and its raw
// provider payload.
func (s *Service) Accept(ctx context.Context, msg channel.InboundMessage, raw []byte) (Result, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if s.Blacklist != nil && s.Blacklist.Blocked(msg.Sender) {
		audit.Record(ctx, audit.DecisionBlacklisted, msg.Channel.String(), msg.Sender.String(), "sender blacklisted")
		s.publish(bus.TopicIngestDropped, msg, "", "blacklisted")
		return Result{Outcome: Dropped}, nil
	}

	decision := s.Router.Route(msg)
	if decision.NoRoute() {
		audit.Record(ctx, audit.DecisionNoRoute, msg.Channel.String(), msg.ServiceAddress, "no route for service address")
		s.publish(bus.TopicIngestNoRoute, msg, "", msg.ServiceAddress)
		return Result{Outcome: NoRoute}, nil
	}

	// Raw bytes are stored before enqueue so a worker re-parse stays
	// possible if the parsed schema evolves. A put failure is fatal for
	// this request; the provider retries and dedupe absorbs the replay.
	var rawRef blob.Ref
	if len(raw) > 0 {
		ref, err := s.Blobs.Put(raw)
		if err != nil {
			return Result{}, fmt.Errorf("%w: raw payload put: %v", ErrStorage, err)
		}
		rawRef = ref
	}

	dedupeKey := DedupeKey(msg.Channel, s.TenantID, msg.ExternalMessageID)
	fresh, err := s.Dedupe.CheckAndInsert(ctx, dedupeKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: dedupe check: %v", ErrStorage, err)
	}
	if !fresh {
		audit.Record(ctx, audit.DecisionDuplicate, msg.Channel.String(), msg.ExternalMessageID, "duplicate external message id")
		s.publish(bus.TopicIngestDuplicate, msg, decision.EmployeeID, dedupeKey)
		return Result{Outcome: Duplicate, EmployeeID: decision.EmployeeID}, nil
	}

	env := &queue.Envelope{
		ID:         queue.NewEnvelopeID(),
		TenantID:   s.TenantID,
		EmployeeID: decision.EmployeeID,
		Channel:    msg.Channel,
		DedupeKey:  dedupeKey,
		RawBlobRef: string(rawRef),
		Parsed:     msg,
		ReceivedAt: msg.ReceivedAt,
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	if _, err := s.Queue.Enqueue(ctx, env); err != nil {
		return Result{}, fmt.Errorf("%w: enqueue: %v", ErrStorage, err)
	}

	audit.Record(ctx, audit.DecisionAccepted, msg.Channel.String(), msg.ExternalMessageID, "enqueued for "+decision.EmployeeID)
	logger.Info("inbound accepted",
		"channel", msg.Channel.String(),
		"employee", decision.EmployeeID,
		"envelope", env.ID,
		"thread", msg.ThreadKey,
	)
	s.publish(bus.TopicIngestAccepted, msg, decision.EmployeeID, env.ID)
	return Result{Outcome: Accepted, EnvelopeID: env.ID, EmployeeID: decision.EmployeeID}, nil
}

func (s *Service) publish(topic string, msg channel.InboundMessage, employeeID, detail string) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(topic, bus.IngestEvent{
		Channel:    msg.Channel.String(),
		EmployeeID: employeeID,
		Detail:     detail,
	})
}
