// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/callstream/internal/models"
)

// JetStreamLog implements Log on NATS JetStream. Each region owns one
// stream with subjects
//
//	events.<region>.p<N>    dialogue events
//	metrics.<region>.p<N>   metric-tagged copies
//
// and every partition is read through its own durable pull consumer
// filtered to that partition's subject, which keeps delivery ordered per
// partition.
type JetStreamLog struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	publisher *Publisher
	config    Config

	mu      sync.RWMutex
	regions map[string]struct{}
	closed  bool
}

// NewJetStreamLog connects to url. The Watermill publisher uses its own
// connection; readers and stream management share nc.
func NewJetStreamLog(url string, cfg Config, logger watermill.LoggerAdapter) (*JetStreamLog, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	pub, err := NewPublisher(url, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &JetStreamLog{
		nc:        nc,
		js:        js,
		publisher: pub,
		config:    cfg,
		regions:   make(map[string]struct{}),
	}, nil
}

// StreamName returns the JetStream stream of region.
func StreamName(region string) string {
	return "CALLSTREAM_" + strings.ToUpper(strings.ReplaceAll(region, "-", "_"))
}

// Subject returns the subject of one partition of region/dest.
func Subject(dest models.Destination, region string, partition int) string {
	prefix := "events"
	if dest == models.DestinationMetrics {
		prefix = "metrics"
	}
	return fmt.Sprintf("%s.%s.p%d", prefix, region, partition)
}

// EnsureStreams creates or updates the stream of every region.
func (l *JetStreamLog) EnsureStreams(ctx context.Context, regions []string) error {
	for _, region := range regions {
		cfg := jetstream.StreamConfig{
			Name:       StreamName(region),
			Subjects:   []string{"events." + region + ".>", "metrics." + region + ".>"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     l.config.MaxAge,
			Duplicates: l.config.DuplicateWindow,
			Replicas:   l.config.Replicas,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardOld,
		}

		if _, err := l.js.Stream(ctx, cfg.Name); err == nil {
			if _, err := l.js.UpdateStream(ctx, cfg); err != nil {
				return fmt.Errorf("update stream %s: %w", cfg.Name, err)
			}
		} else if errors.Is(err, jetstream.ErrStreamNotFound) {
			if _, err := l.js.CreateStream(ctx, cfg); err != nil {
				return fmt.Errorf("create stream %s: %w", cfg.Name, err)
			}
		} else {
			return fmt.Errorf("lookup stream %s: %w", cfg.Name, err)
		}

		l.mu.Lock()
		l.regions[region] = struct{}{}
		l.mu.Unlock()
	}
	return nil
}

// Partitions returns the partition count per stream.
func (l *JetStreamLog) Partitions() int {
	return l.config.Partitions
}

func (l *JetStreamLog) checkRegion(region string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.regions[region]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	return nil
}

// Append publishes rec to its partition subject and waits for the stream ack.
func (l *JetStreamLog) Append(ctx context.Context, region string, dest models.Destination, rec Record) error {
	if err := l.checkRegion(region); err != nil {
		return err
	}
	subject := Subject(dest, region, PartitionFor(rec.Key, l.config.Partitions))
	return l.publisher.Publish(ctx, subject, MessageID(dest, rec), rec.Data, map[string]string{
		HeaderDialogueKey: rec.Key.String(),
	})
}

// Reader binds a durable pull consumer to one partition subject.
func (l *JetStreamLog) Reader(ctx context.Context, region string, dest models.Destination, partition int) (PartitionReader, error) {
	if partition < 0 || partition >= l.config.Partitions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartition, partition)
	}
	if err := l.checkRegion(region); err != nil {
		return nil, err
	}
	subject := Subject(dest, region, partition)
	durable := strings.ReplaceAll(fmt.Sprintf("callstream-%s-%s-p%d", dest, region, partition), ".", "_")

	cons, err := l.js.CreateOrUpdateConsumer(ctx, StreamName(region), jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       l.config.AckWait,
		MaxAckPending: l.config.MaxAckPending,
		// Redelivery limits are enforced by the stream consumer, which
		// dead-letters and terminates poison records itself.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return &jsReader{consumer: cons, region: region, dest: dest, partition: partition}, nil
}

// BreakerState reports the append circuit breaker state.
func (l *JetStreamLog) BreakerState() string {
	return l.publisher.BreakerState()
}

// Close closes the publisher and the reader connection.
func (l *JetStreamLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	err := l.publisher.Close()
	if drainErr := l.nc.Drain(); drainErr != nil && !errors.Is(drainErr, nats.ErrConnectionClosed) {
		err = errors.Join(err, drainErr)
	}
	return err
}

type jsReader struct {
	consumer  jetstream.Consumer
	region    string
	dest      models.Destination
	partition int
}

func (r *jsReader) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = time.Second
	}
	batch, err := r.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s/p%d: %w", r.dest, r.region, r.partition, err)
	}

	var out []*Delivery
	for msg := range batch.Messages() {
		d := &Delivery{
			Record: Record{
				Data: msg.Data(),
			},
			Region:       r.region,
			Destination:  r.dest,
			Partition:    r.partition,
			NumDelivered: 1,
			acker:        jsAcker{msg: msg},
		}
		if h := msg.Headers(); h != nil {
			if k, err := models.ParseDialogueKey(h.Get(HeaderDialogueKey)); err == nil {
				d.Key = k
			}
			d.ID = strings.TrimPrefix(h.Get(nats.MsgIdHdr), string(r.dest)+":")
		}
		if meta, err := msg.Metadata(); err == nil {
			d.Sequence = meta.Sequence.Stream
			d.NumDelivered = int(meta.NumDelivered)
			d.AppendedAt = meta.Timestamp
		}
		out = append(out, d)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch %s/%s/p%d: %w", r.dest, r.region, r.partition, err)
	}
	return out, nil
}

func (r *jsReader) Close() error {
	return nil
}

type jsAcker struct {
	msg jetstream.Msg
}

func (a jsAcker) Ack() error                    { return a.msg.Ack() }
func (a jsAcker) Nak(delay time.Duration) error { return a.msg.NakWithDelay(delay) }
func (a jsAcker) Term() error                   { return a.msg.Term() }
