package exposition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// KafkaPush periodically serializes the snapshot as JSON and publishes
// it as a single record.
type KafkaPush struct {
	log      *zap.Logger
	cfg      config.KafkaPush
	clock    clock.Clock
	cache    *snapshotCache
	producer sarama.SyncProducer
}

// NewKafkaPush connects the producer.
func NewKafkaPush(cfg config.KafkaPush, registry *stats.Registry, c clock.Clock, log *zap.Logger) (*KafkaPush, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("kafka push requires hosts")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka push requires a topic")
	}

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Timeout = 60 * time.Second
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Hosts, sc)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}

	return &KafkaPush{
		log:      log,
		cfg:      cfg,
		clock:    c,
		cache:    newSnapshotCache(registry, c),
		producer: producer,
	}, nil
}

// Run publishes on the configured interval until the context ends.
func (k *KafkaPush) Run(ctx context.Context) error {
	ticker := k.clock.Ticker(k.cfg.Interval())
	defer ticker.Stop()
	defer k.producer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := k.publish(); err != nil {
			k.log.Error("failed to push stats to kafka", zap.Error(err))
		}
	}
}

func (k *KafkaPush) publish() error {
	flat := make(map[string]uint64)
	for _, kv := range sortedKeys(k.cache.get(), "") {
		flat[kv.Key] = kv.Value
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     k.cfg.Topic,
		Value:     sarama.ByteEncoder(data),
		Timestamp: k.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	return nil
}
