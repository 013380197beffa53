// Package publisher drains the outbound feed into Kafka so downstream
// research and execution services can consume the normalized market events.
// The publisher is optional; when disabled the feed channels are drained by
// nobody and the connector's non-blocking sends simply drop.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "miaflow/config"
	"miaflow/logger"
	"miaflow/models"
)

// Stats counts publisher activity since start.
type Stats struct {
	SnapshotsWritten int64
	SignalsWritten   int64
	WriteFailures    int64
}

// Publisher writes feed events to a Kafka topic keyed by symbol. Write
// failures are logged and counted, never fatal to the session.
type Publisher struct {
	config    *appconfig.Config
	snapshots <-chan models.MarketEvent
	signals   <-chan models.SignalEvent
	writer    *kafka.Writer
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	stats     Stats
	log       *logger.Log
}

// NewPublisher validates the broker list and builds an idle publisher.
func NewPublisher(cfg *appconfig.Config, snapshots <-chan models.MarketEvent, signals <-chan models.SignalEvent) (*Publisher, error) {
	if len(cfg.Publisher.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	p := &Publisher{
		config:    cfg,
		snapshots: snapshots,
		signals:   signals,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Publisher.Brokers...),
			Topic:    cfg.Publisher.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"brokers": cfg.Publisher.Brokers,
		"topic":   cfg.Publisher.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

// Start launches the drain goroutines. Calling Start twice is an error.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithComponent("publisher").Debug("starting kafka publisher")

	p.wg.Add(3)
	go p.runSnapshots()
	go p.runSignals()
	go p.metricsReporter()

	return nil
}

func (p *Publisher) runSnapshots() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case event, ok := <-p.snapshots:
			if !ok {
				return
			}
			if p.write(event.Symbol, event) {
				p.mu.Lock()
				p.stats.SnapshotsWritten++
				p.mu.Unlock()
			}
		}
	}
}

func (p *Publisher) runSignals() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case event, ok := <-p.signals:
			if !ok {
				return
			}
			if p.write(event.Symbol, event) {
				p.mu.Lock()
				p.stats.SignalsWritten++
				p.mu.Unlock()
			}
		}
	}
}

// write marshals and sends one envelope. Returns false on failure, which is
// counted but never tears anything down.
func (p *Publisher) write(symbol string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("failed to marshal event")
		return false
	}
	msg := kafka.Message{
		Key:   []byte(symbol),
		Value: data,
	}
	if err := p.writer.WriteMessages(p.ctx, msg); err != nil {
		p.mu.Lock()
		p.stats.WriteFailures++
		p.mu.Unlock()
		p.log.WithComponent("publisher").WithError(err).Warn("failed to write event")
		return false
	}
	return true
}

func (p *Publisher) metricsReporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats := p.GetStats()
			p.log.WithComponent("publisher").WithFields(logger.Fields{
				"snapshots_written": stats.SnapshotsWritten,
				"signals_written":   stats.SignalsWritten,
				"write_failures":    stats.WriteFailures,
			}).Info("publisher statistics")
		}
	}
}

// GetStats returns a copy of the publish counters.
func (p *Publisher) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Stop flushes and closes the Kafka writer after the drain goroutines exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("publisher").Debug("stopping kafka publisher")
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("failed to close kafka writer")
	}
	p.log.WithComponent("publisher").Debug("kafka publisher stopped")
}
