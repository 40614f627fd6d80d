// Package kafka reads the chat fan-out topic as a push source. Every process
// joins with its own consumer group so it sees the whole stream, the same way
// each gateway instance does.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chatsync/pkg/chaterr"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/ingest"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

var _ ingest.Source = (*Source)(nil)

const retryDelay = time.Second

type recordReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Source turns topic records into envelopes for any number of listeners.
type Source struct {
	reader    recordReader
	channelID string
	logger    zerolog.Logger
	push      *ingest.Fanout
}

type Option func(*Source)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// WithChannel drops records for other channels before they are decoded further.
func WithChannel(channelID string) Option {
	return func(s *Source) { s.channelID = channelID }
}

// NewSource joins the topic at its latest offset.
func NewSource(cfg config.KafkaConfig, opts ...Option) (*Source, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, chaterr.Malformedf("kafka source", "brokers and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     fmt.Sprintf("chatsync-%d", time.Now().UnixNano()),
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})
	return newSource(reader, opts...), nil
}

func newSource(r recordReader, opts ...Option) *Source {
	s := &Source{
		reader: r,
		logger: logging.Component("kafka"),
		push:   ingest.NewFanout(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe implements ingest.Source.
func (s *Source) Subscribe(ctx context.Context, listenerID string) (<-chan model.Envelope, func(), error) {
	return s.push.Subscribe(ctx, listenerID)
}

// Run reads records until ctx ends or the reader is closed. Listener streams
// are closed when it returns.
func (s *Source) Run(ctx context.Context) error {
	defer s.push.Close()
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("kafka read failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		env, err := decode(m.Value)
		if err != nil {
			metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
			s.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("undecodable record skipped")
			continue
		}
		if s.channelID != "" && env.ChannelID != s.channelID {
			continue
		}
		s.push.Publish(env)
	}
}

// Close stops the reader; Run returns shortly after.
func (s *Source) Close() error {
	return s.reader.Close()
}

func decode(value []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return model.Envelope{}, err
	}
	if env.ChannelID == "" {
		return model.Envelope{}, errors.New("record without channel_id")
	}
	if env.Type == "" {
		env.Type = model.TypeMessage
	}
	return env, nil
}
