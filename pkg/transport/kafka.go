package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/atunbixx/Planr-sub008/pkg/config"
	"github.com/atunbixx/Planr-sub008/pkg/events"
	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// Publisher mirrors engine events onto Kafka control topics so the rest
// of the platform can observe commits and alerts without touching the
// engine. Purely observational, the protocol never depends on it.
type Publisher struct {
	producer sarama.SyncProducer
	cfg      config.KafkaConfig
	logger   *utils.Logger
	audit    *utils.AuditLogger

	unsubs []func()
	mu     sync.Mutex
	closed bool

	publishSuccesses atomic.Uint64
	publishFailures  atomic.Uint64
}

// controlRecord is the JSON body written to control topics
type controlRecord struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewPublisher connects a sync producer and subscribes to the bus
func NewPublisher(ctx context.Context, cfg config.KafkaConfig, bus *events.Bus, logger *utils.Logger, audit *utils.AuditLogger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		if audit != nil {
			_ = audit.Security("kafka_publisher_creation_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, fmt.Errorf("kafka publisher: create: %w", err)
	}

	if logger == nil {
		logger = utils.GetLogger()
	}
	p := &Publisher{
		producer: producer,
		cfg:      cfg,
		logger:   logger,
		audit:    audit,
	}

	if bus != nil {
		p.unsubs = append(p.unsubs,
			bus.Subscribe(events.ConsensusReached, p.onCommit),
			bus.Subscribe(events.AlertCreated, p.onAlert),
			bus.Subscribe(events.AlertResolved, p.onAlert),
		)
	}

	logger.InfoContext(ctx, "kafka publisher created",
		utils.ZapInt("brokers", len(cfg.Brokers)),
		utils.ZapString("commit_topic", cfg.CommitTopic),
		utils.ZapString("alert_topic", cfg.AlertTopic))
	return p, nil
}

func (p *Publisher) onCommit(ev events.Event) {
	fields := make(map[string]interface{}, len(ev.Fields))
	for k, v := range ev.Fields {
		if k == "payload" {
			// raw payload stays off the control plane
			continue
		}
		fields[k] = v
	}
	var key []byte
	if seq, ok := ev.Fields["sequence"].(uint64); ok {
		key = encodeUint64(seq)
	}
	p.publish(p.cfg.CommitTopic, key, controlRecord{
		Event:     string(ev.Type),
		Timestamp: ev.Timestamp,
		Fields:    fields,
	})
}

func (p *Publisher) onAlert(ev events.Event) {
	var key []byte
	if id, ok := ev.Fields["alertId"].(string); ok {
		key = []byte(id)
	}
	p.publish(p.cfg.AlertTopic, key, controlRecord{
		Event:     string(ev.Type),
		Timestamp: ev.Timestamp,
		Fields:    ev.Fields,
	})
}

func (p *Publisher) publish(topic string, key []byte, rec controlRecord) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	value, err := json.Marshal(rec)
	if err != nil {
		p.publishFailures.Add(1)
		p.logger.Error("failed to encode control record", utils.ZapError(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("version"), Value: []byte("1")},
			{Key: []byte("type"), Value: []byte(rec.Event)},
		},
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.publishFailures.Add(1)
		p.logger.Error("control publish failed",
			utils.ZapString("topic", topic),
			utils.ZapError(err))
		if p.audit != nil {
			_ = p.audit.Error("kafka_publish_failed", map[string]interface{}{
				"topic": topic,
				"event": rec.Event,
				"error": err.Error(),
			})
		}
		return
	}

	p.publishSuccesses.Add(1)
	p.logger.Debug("control record published",
		utils.ZapString("topic", topic),
		utils.ZapString("event", rec.Event),
		utils.ZapInt("partition", int(partition)),
		utils.ZapInt64("offset", offset))
}

// Stats returns publish counters
func (p *Publisher) Stats() (successes, failures uint64) {
	return p.publishSuccesses.Load(), p.publishFailures.Load()
}

// Close unsubscribes and shuts the producer down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("kafka publisher: close: %w", err)
	}
	p.logger.Info("kafka publisher closed")
	return nil
}

func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}
