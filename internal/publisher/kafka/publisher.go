// Package kafkapub publishes crawler events to Kafka.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/hash/sha256"
)

// Config selects brokers and topics.
type Config struct {
	Brokers       []string
	EntitiesTopic string
	PagesTopic    string
}

// EntityEvent announces an entity registered for the first time.
type EntityEvent struct {
	Kind         crawler.EntityKind `json:"kind"`
	ID           int64              `json:"id"`
	DiscoveredAt time.Time          `json:"discovered_at"`
}

// PageEvent carries a fetched entity page to downstream extraction. ContentSHA256
// lets consumers skip bodies identical to the previous scan.
type PageEvent struct {
	Kind          crawler.EntityKind `json:"kind"`
	ID            int64              `json:"id"`
	URL           string             `json:"url"`
	Worker        string             `json:"worker"`
	FetchedAt     time.Time          `json:"fetched_at"`
	ContentSHA256 string             `json:"content_sha256"`
	Body          string             `json:"body"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes entity and page events to their topics.
type Publisher struct {
	entities messageWriter
	pages    messageWriter
	now      func() time.Time
}

// New creates a Publisher writing to cfg.Brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka.brokers is required")
	}
	if cfg.EntitiesTopic == "" || cfg.PagesTopic == "" {
		return nil, errors.New("kafka.entities_topic and kafka.pages_topic are required")
	}
	return NewWithWriters(newWriter(cfg.Brokers, cfg.EntitiesTopic), newWriter(cfg.Brokers, cfg.PagesTopic)), nil
}

// NewWithWriters builds a publisher using custom writers (tests).
func NewWithWriters(entities, pages messageWriter) *Publisher {
	return &Publisher{
		entities: entities,
		pages:    pages,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Writes are synchronous, so a lone page event would otherwise wait out the
// writer's default one second batch window.
const (
	writerBatchTimeout = 10 * time.Millisecond
	writerBatchSize    = 500
)

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           writerBatchTimeout,
		BatchSize:              writerBatchSize,
	}
}

// Close shuts down both writers.
func (p *Publisher) Close() error {
	return errors.Join(p.entities.Close(), p.pages.Close())
}

// PublishEntities writes one event per id in a single batch.
func (p *Publisher) PublishEntities(ctx context.Context, kind crawler.EntityKind, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := p.now()
	msgs := make([]kafka.Message, 0, len(ids))
	for _, id := range ids {
		payload, err := json.Marshal(EntityEvent{Kind: kind, ID: id, DiscoveredAt: now})
		if err != nil {
			return fmt.Errorf("marshal entity event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: entityKey(kind, id), Value: payload, Time: now})
	}
	if err := p.entities.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d entity events: %w", len(msgs), err)
	}
	return nil
}

// PublishPage writes a fetched page keyed by its entity so updates stay ordered per entity.
func (p *Publisher) PublishPage(ctx context.Context, ref crawler.EntityRef, worker string, body string, fetchedAt time.Time) error {
	payload, err := json.Marshal(PageEvent{
		Kind:          ref.Kind,
		ID:            ref.ID,
		URL:           ref.URL,
		Worker:        worker,
		FetchedAt:     fetchedAt,
		ContentSHA256: sha256.Digest(body),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("marshal page event: %w", err)
	}
	msg := kafka.Message{
		Key:     entityKey(ref.Kind, ref.ID),
		Value:   payload,
		Time:    fetchedAt,
		Headers: []kafka.Header{{Key: "worker", Value: []byte(worker)}},
	}
	if err := p.pages.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write page event %s: %w", ref, err)
	}
	return nil
}

func entityKey(kind crawler.EntityKind, id int64) []byte {
	return []byte(string(kind) + ":" + strconv.FormatInt(id, 10))
}
