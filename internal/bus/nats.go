package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"marketpipe/config"
	"marketpipe/logger"
)

// natsBus implements Bus on NATS JetStream. Streams are durable and
// file-backed; per-subject ordering and at-least-once redelivery come from
// JetStream itself.
type natsBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	cfg     config.BusConfig
	log     *logger.Log
	timeout time.Duration
}

// Connect dials the configured NATS endpoint and opens a JetStream context.
func Connect(cfg config.BusConfig) (Bus, error) {
	log := logger.GetLogger()

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithComponent("bus").WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithComponent("bus").WithFields(logger.Fields{"url": c.ConnectedUrl()}).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	return &natsBus{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		log:     log,
		timeout: cfg.PublishTimeout(),
	}, nil
}

func (b *natsBus) EnsureStream(ctx context.Context, name string, subjects []string) error {
	replicas := b.cfg.StreamReplicas
	if replicas <= 0 {
		replicas = 1
	}
	maxAge := time.Duration(b.cfg.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	sc := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Replicas:  replicas,
		MaxAge:    maxAge,
	}

	_, err := b.js.StreamInfo(name, nats.Context(ctx))
	switch {
	case err == nil:
		if _, err := b.js.UpdateStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := b.js.AddStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("add stream %s: %w", name, err)
		}
	default:
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	return nil
}

func (b *natsBus) Publish(ctx context.Context, subj string, data []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	_, err := b.js.Publish(subj, data, nats.Context(pubCtx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrPublishTimeout, subj)
		}
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	logger.IncrementPublished(len(data))
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, pattern, durable string, h Handler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(pattern, durable, func(m *nats.Msg) {
		meta, _ := m.Metadata()
		msg := &Message{Subject: m.Subject, Data: m.Data}
		if meta != nil {
			msg.Seq = meta.Sequence.Stream
		}
		if err := h(ctx, msg); err != nil {
			b.log.WithComponent("bus").WithError(err).WithFields(logger.Fields{
				"subject": m.Subject,
			}).Warn("handler failed, message will be redelivered")
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	return &natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Drain() error {
	return s.sub.Drain()
}

func (b *natsBus) Close() error {
	return b.nc.Drain()
}
