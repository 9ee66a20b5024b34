package emit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// partitionRefreshBase and jitter spread the hourly metadata refresh of
// all agents across a window so topic resizes are picked up without
// thundering the brokers.
const (
	partitionRefreshBase   = time.Hour
	partitionRefreshJitter = 10 * time.Minute
)

// Kafka publishes encoded samples to a topic. Brokers are discovered
// from ZooKeeper at startup; every instance pins to one partition
// chosen by hashing its hostname, with the partition count refreshed in
// the background.
type Kafka struct {
	log     *zap.Logger
	cfg     config.Kafka
	encoder Encoder

	client   sarama.Client
	producer sarama.SyncProducer

	partitions atomic.Int32
	pkey       uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// brokerEndpoint mirrors the advertised endpoint entry of a broker
// znode.
type brokerEndpoint struct {
	AdditionalEndpoints map[string]struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"additionalEndpoints"`
}

// DiscoverBrokers reads the children of the configured znode and
// extracts each broker's advertised endpoint. onLoss fires if the
// ZooKeeper watch is triggered, signaling that discovery can no longer
// be trusted.
func DiscoverBrokers(cfg config.Kafka, log *zap.Logger, onLoss func()) ([]string, error) {
	conn, events, err := zk.Connect(cfg.ZKServers, 15*time.Second, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}

	children, _, watch, err := conn.ChildrenW(cfg.ZKPath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read children of %s: %w", cfg.ZKPath, err)
	}

	var endpoints []string
	for _, child := range children {
		path := cfg.ZKPath + "/" + child
		data, _, err := conn.Get(path)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var entry brokerEndpoint
		if err := json.Unmarshal(data, &entry); err != nil {
			log.Warn("broker znode contained invalid json", zap.String("path", path), zap.Error(err))
			continue
		}
		endpoint, ok := entry.AdditionalEndpoints[cfg.EndpointName()]
		if !ok || endpoint.Host == "" || endpoint.Port == 0 {
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port))
	}
	if len(endpoints) == 0 {
		conn.Close()
		return nil, fmt.Errorf("no kafka endpoints found under %s", cfg.ZKPath)
	}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-watch:
				onLoss()
				return
			case event, ok := <-events:
				if !ok {
					onLoss()
					return
				}
				if event.State == zk.StateDisconnected || event.State == zk.StateExpired {
					onLoss()
					return
				}
			}
		}
	}()

	return endpoints, nil
}

// NewKafka connects the producer and starts the partition refresher.
func NewKafka(cfg config.Kafka, encoder Encoder, log *zap.Logger, onLoss func()) (*Kafka, error) {
	brokers, err := DiscoverBrokers(cfg, log, onLoss)
	if err != nil {
		return nil, fmt.Errorf("discover brokers: %w", err)
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Producer.Compression = sarama.CompressionZSTD
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Producer.Timeout = 60 * time.Second
	sc.Producer.Return.Successes = true
	// bounded queues: stalls surface as send timeouts instead of
	// unbounded buffering
	sc.ChannelBufferSize = 1024

	if len(cfg.CABundles) > 0 {
		pool := x509.NewCertPool()
		for _, bundle := range cfg.CABundles {
			pem, err := os.ReadFile(bundle)
			if err != nil {
				return nil, fmt.Errorf("read ca bundle %s: %w", bundle, err)
			}
			pool.AppendCertsFromPEM(pem)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{RootCAs: pool}
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
	}

	client, err := sarama.NewClient(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connect kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("read hostname for partition key: %w", err)
	}

	k := &Kafka{
		log:      log,
		cfg:      cfg,
		encoder:  encoder,
		client:   client,
		producer: producer,
		pkey:     hashString(hostname),
		done:     make(chan struct{}),
	}
	if err := k.updatePartitions(); err != nil {
		producer.Close()
		client.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.refreshLoop(ctx)

	return k, nil
}

func (k *Kafka) updatePartitions() error {
	if err := k.client.RefreshMetadata(k.cfg.Topic); err != nil {
		return fmt.Errorf("refresh metadata for %s: %w", k.cfg.Topic, err)
	}
	partitions, err := k.client.Partitions(k.cfg.Topic)
	if err != nil {
		return fmt.Errorf("read partitions of %s: %w", k.cfg.Topic, err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", k.cfg.Topic)
	}
	k.partitions.Store(int32(len(partitions)))
	return nil
}

// refreshLoop re-reads the partition count roughly hourly, smeared over
// a jitter window.
func (k *Kafka) refreshLoop(ctx context.Context) {
	defer close(k.done)
	for {
		wait := partitionRefreshBase - partitionRefreshJitter + time.Duration(rand.Int63n(int64(2*partitionRefreshJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := k.updatePartitions(); err != nil {
			k.log.Error("failed to update partition count", zap.Error(err))
		}
	}
}

func (k *Kafka) partition() int32 {
	n := k.partitions.Load()
	if n <= 0 {
		return 0
	}
	return int32(k.pkey % uint64(n))
}

func (k *Kafka) Emit(ctx context.Context, sample *pipeline.Sample) error {
	message, err := k.encoder.Encode(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	if message == nil {
		return nil
	}

	kafkaBytes.Add(float64(len(message.Data)))
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     k.cfg.Topic,
		Partition: k.partition(),
		Value:     sarama.ByteEncoder(message.Data),
		Timestamp: message.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", k.cfg.Topic, err)
	}
	return nil
}

// Close stops the refresher and tears the producer down.
func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}
	if err := k.producer.Close(); err != nil {
		k.client.Close()
		return err
	}
	return k.client.Close()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
