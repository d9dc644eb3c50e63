package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/rund/internal/orc"
)

const (
	streamPrefix     = "RUND_WQ_"
	subjectPrefix    = "rund.wq."
	consumerName     = "workers"
	deadLetterBucket = "rund_deadletters"

	// fetchWait bounds the per-class pull when claiming. Priority order is
	// preserved by polling classes from highest to lowest each Claim.
	fetchWait = 200 * time.Millisecond
)

// JetStream is the durable Queue: one work-queue stream per priority
// class, explicit-ack pull consumers whose AckWait is the lease visibility
// timeout, and a KV bucket for dead letters.
type JetStream struct {
	cfg  Config
	js   nats.JetStreamContext
	dead nats.KeyValue

	subs map[orc.Priority]*nats.Subscription

	// history keeps recent per-item failure reasons so dead letters carry
	// diagnostics. Node-local and best-effort.
	mu      sync.Mutex
	history map[string][]string
}

// NewJetStream creates the streams, consumers, and dead-letter bucket if
// absent and binds pull subscriptions for each priority class.
func NewJetStream(js nats.JetStreamContext, cfg Config) (*JetStream, error) {
	cfg.ApplyDefaults()

	q := &JetStream{
		cfg:     cfg,
		js:      js,
		subs:    make(map[orc.Priority]*nats.Subscription),
		history: make(map[string][]string),
	}

	for _, class := range orc.Priorities() {
		if err := q.ensureClass(class); err != nil {
			return nil, fmt.Errorf("ensure %s class: %w", class, err)
		}
	}

	dead, err := js.KeyValue(deadLetterBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		dead, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: deadLetterBucket})
	}
	if err != nil {
		return nil, fmt.Errorf("ensure dead-letter bucket: %w", err)
	}
	q.dead = dead

	return q, nil
}

func streamName(class orc.Priority) string {
	return streamPrefix + strings.ToUpper(string(class))
}

func subjectName(class orc.Priority) string {
	return subjectPrefix + string(class)
}

func (q *JetStream) ensureClass(class orc.Priority) error {
	stream := streamName(class)

	_, err := q.js.StreamInfo(stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = q.js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subjectName(class)},
			Retention: nats.WorkQueuePolicy,
			Discard:   nats.DiscardNew,
			MaxMsgs:   int64(q.cfg.MaxDepth),
		})
	}
	if err != nil {
		return fmt.Errorf("stream %s: %w", stream, err)
	}

	_, err = q.js.ConsumerInfo(stream, consumerName)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		_, err = q.js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:       consumerName,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       q.cfg.Visibility,
			MaxAckPending: q.cfg.MaxLeases,
			// Redelivery is unbounded at the consumer: the retry budget
			// is enforced in Nack so exhausted items dead-letter instead
			// of looping.
			MaxDeliver: -1,
		})
	}
	if err != nil {
		return fmt.Errorf("consumer on %s: %w", stream, err)
	}

	sub, err := q.js.PullSubscribe(subjectName(class), consumerName, nats.Bind(stream, consumerName))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", stream, err)
	}
	q.subs[class] = sub
	return nil
}

func (q *JetStream) Enqueue(ctx context.Context, item *WorkItem) error {
	if !item.Priority.IsValid() {
		return orc.Errorf(orc.KindValidation, "unknown priority class %q", item.Priority)
	}

	cp := *item
	cp.EnqueuedAt = time.Now()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}

	_, err = q.js.Publish(subjectName(item.Priority), data, nats.Context(ctx))
	if err != nil {
		// DiscardNew turns a full stream into a publish error.
		if strings.Contains(err.Error(), "maximum messages exceeded") {
			return orc.Errorf(orc.KindBackpressure,
				"queue %s at hard ceiling %d", item.Priority, q.cfg.MaxDepth)
		}
		return fmt.Errorf("publish work item: %w", err)
	}
	return nil
}

func (q *JetStream) Claim(ctx context.Context) (*Lease, error) {
	for _, class := range orc.Priorities() {
		sub, ok := q.subs[class]
		if !ok {
			continue
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch from %s: %w", class, err)
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		var item WorkItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			// Poison payload: drop it rather than loop on it.
			_ = msg.Term()
			return nil, fmt.Errorf("decode work item: %w", err)
		}

		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}

		return &Lease{
			Item:      &item,
			Attempt:   attempt,
			ExpiresAt: time.Now().Add(q.cfg.Visibility),
			handle:    msg,
		}, nil
	}
	return nil, ErrNoWork
}

func (q *JetStream) Ack(ctx context.Context, lease *Lease) error {
	msg, err := q.message(lease)
	if err != nil {
		return err
	}
	if time.Now().After(lease.ExpiresAt) {
		return fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}
	if err := msg.AckSync(); err != nil {
		return fmt.Errorf("ack item %s: %w", lease.Item.ID, err)
	}
	q.clearHistory(lease.Item.ID)
	return nil
}

func (q *JetStream) Nack(ctx context.Context, lease *Lease, reason error) (bool, error) {
	msg, err := q.message(lease)
	if err != nil {
		return false, err
	}
	if time.Now().After(lease.ExpiresAt) {
		return false, fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}

	if reason != nil {
		q.recordFailure(lease.Item.ID, reason.Error())
	}

	maxRetries := lease.Item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	if lease.Attempt >= maxRetries {
		if err := q.deadLetter(lease); err != nil {
			return false, err
		}
		if err := msg.Term(); err != nil {
			return true, fmt.Errorf("terminate item %s: %w", lease.Item.ID, err)
		}
		return true, nil
	}

	delay := q.cfg.Retry.Delay(lease.Attempt - 1)
	if err := msg.NakWithDelay(delay); err != nil {
		return false, fmt.Errorf("nack item %s: %w", lease.Item.ID, err)
	}
	return false, nil
}

func (q *JetStream) Terminate(ctx context.Context, lease *Lease, reason error) error {
	msg, err := q.message(lease)
	if err != nil {
		return err
	}
	if time.Now().After(lease.ExpiresAt) {
		return fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}

	if reason != nil {
		q.recordFailure(lease.Item.ID, reason.Error())
	}
	if err := q.deadLetter(lease); err != nil {
		return err
	}
	if err := msg.Term(); err != nil {
		return fmt.Errorf("terminate item %s: %w", lease.Item.ID, err)
	}
	return nil
}

func (q *JetStream) Extend(ctx context.Context, lease *Lease) error {
	msg, err := q.message(lease)
	if err != nil {
		return err
	}
	if err := msg.InProgress(); err != nil {
		return fmt.Errorf("extend item %s: %w", lease.Item.ID, err)
	}
	lease.ExpiresAt = time.Now().Add(q.cfg.Visibility)
	return nil
}

func (q *JetStream) Depth(ctx context.Context) (map[orc.Priority]int, error) {
	out := make(map[orc.Priority]int, 3)
	for _, class := range orc.Priorities() {
		info, err := q.js.StreamInfo(streamName(class))
		if err != nil {
			return nil, fmt.Errorf("stream info %s: %w", class, err)
		}
		out[class] = int(info.State.Msgs)
	}
	return out, nil
}

func (q *JetStream) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	keys, err := q.dead.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]*DeadLetter, 0, len(keys))
	for _, key := range keys {
		entry, err := q.dead.Get(key)
		if err != nil {
			return nil, fmt.Errorf("load dead letter %s: %w", key, err)
		}
		var dl DeadLetter
		if err := json.Unmarshal(entry.Value(), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", key, err)
		}
		out = append(out, &dl)
	}
	return out, nil
}

func (q *JetStream) deadLetter(lease *Lease) error {
	dl := &DeadLetter{
		Item:         lease.Item,
		Attempts:     lease.Attempt,
		ErrorHistory: q.takeHistory(lease.Item.ID),
		DeadAt:       time.Now(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := q.dead.Create(lease.Item.ID, data); err != nil && !errors.Is(err, nats.ErrKeyExists) {
		return fmt.Errorf("store dead letter %s: %w", lease.Item.ID, err)
	}
	return nil
}

func (q *JetStream) message(lease *Lease) (*nats.Msg, error) {
	msg, ok := lease.handle.(*nats.Msg)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", lease.Item.ID, ErrLeaseNotHeld)
	}
	return msg, nil
}

func (q *JetStream) recordFailure(itemID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history[itemID] = append(q.history[itemID], reason)
}

func (q *JetStream) takeHistory(itemID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.history[itemID]
	delete(q.history, itemID)
	return h
}

func (q *JetStream) clearHistory(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.history, itemID)
}
