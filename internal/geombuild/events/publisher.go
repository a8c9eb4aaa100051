// Package events publishes geometry lifecycle events to Kafka so downstream
// consumers (tile cache warmers, exports) can react to boundary changes
// without polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/uncovering-world/track-your-regions/internal/region"
)

// Event types.
const (
	TypeRegionBuilt   = "region.geometry.built"
	TypeRegionCleared = "region.geometry.cleared"
	TypeBatchFinished = "hierarchy.batch.finished"
	TypeHullGenerated = "region.hull.generated"
)

// Event is the JSON payload produced to the geometry topic.
type Event struct {
	Type        string             `json:"type"`
	RegionID    region.RegionID    `json:"regionId,omitempty"`
	HierarchyID region.HierarchyID `json:"hierarchyId,omitempty"`
	PointCount  int                `json:"pointCount,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	At          time.Time          `json:"at"`
}

// Publisher produces events to one Kafka topic. A nil Publisher is valid and
// drops everything, so callers never need to branch on configuration.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the given brokers. Returns nil when brokers are
// not configured.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Publish produces one event asynchronously. Delivery failures are logged,
// never surfaced: geometry builds must not fail because Kafka is down.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("encode geometry event", "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(strconv.FormatInt(int64(ev.RegionID), 10)),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("publish geometry event failed",
				"type", ev.Type,
				"region_id", ev.RegionID,
				"error", err,
			)
		}
	})
}

// Close flushes pending events and releases the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
