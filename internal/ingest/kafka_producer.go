package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driverme/internal/models"
)

// Producer feeds the two broker topics: raw driver location pings and
// committed booking lifecycle events. Either topic may be left blank,
// in which case publishes to it are no-ops.
type Producer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewProducer(brokers []string, locationTopic, eventTopic string) *Producer {
	p := &Producer{}
	if locationTopic != "" {
		p.locations = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}})
	}
	if eventTopic != "" {
		p.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.LeastBytes{}})
	}
	return p
}

// PublishLocation ships one location ping, keyed by driver so a
// partition preserves per-driver ordering.
func (p *Producer) PublishLocation(u models.LocationUpdate) error {
	if p.locations == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

// PublishStatusEvent ships a committed lifecycle transition, keyed by
// booking so consumers see each booking's history in order.
func (p *Producer) PublishStatusEvent(ev models.StatusEvent) error {
	if p.events == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.BookingID), Value: b})
}

func (p *Producer) Close() error {
	var errs []error
	if p.locations != nil {
		errs = append(errs, p.locations.Close())
	}
	if p.events != nil {
		errs = append(errs, p.events.Close())
	}
	return errors.Join(errs...)
}
