package destination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/IBM/sarama"
)

// KafkaDestination publishes exported rows to a topic, one message per row.
// Delivery is at-least-once: there is no commit step, so Finalize and Abort
// are no-ops and duplicates across retries are expected downstream.
type KafkaDestination struct {
	producer sarama.SyncProducer
	topic    string
}

func newKafka(cfg map[string]any) (*KafkaDestination, error) {
	brokers := strings.Split(cfgString(cfg, "brokers"), ",")
	topic := cfgString(cfg, "topic")
	if len(brokers) == 0 || brokers[0] == "" || topic == "" {
		return nil, errors.New("kafka destination: brokers and topic are required")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Idempotent = cfgBool(cfg, "idempotent")
	if saramaCfg.Producer.Idempotent {
		saramaCfg.Net.MaxOpenRequests = 1
	}
	if user := cfgString(cfg, "sasl_username"); user != "" {
		saramaCfg.Net.SASL.Enable = true
		saramaCfg.Net.SASL.User = user
		saramaCfg.Net.SASL.Password = cfgString(cfg, "sasl_password")
	}

	producer, err := sarama.NewSyncProducer(brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka destination: %w", err)
	}
	return &KafkaDestination{producer: producer, topic: topic}, nil
}

func (d *KafkaDestination) Kind() string   { return KindKafka }
func (d *KafkaDestination) Format() Format { return FormatJSONLines }
func (d *KafkaDestination) Close() error   { return d.producer.Close() }

func (d *KafkaDestination) Open(_ context.Context, key string) (Upload, error) {
	return &kafkaUpload{producer: d.producer, topic: d.topic, key: key}, nil
}

type kafkaUpload struct {
	producer sarama.SyncProducer
	topic    string
	key      string
}

// UploadPart splits a JSON Lines part into one producer message per row.
func (u *kafkaUpload) UploadPart(_ context.Context, _ int, data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	msgs := make([]*sarama.ProducerMessage, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: u.topic,
			Key:   sarama.StringEncoder(u.key),
			Value: sarama.ByteEncoder(line),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := u.producer.SendMessages(msgs); err != nil {
		return classifyKafka(err)
	}
	return nil
}

func (u *kafkaUpload) Finalize(context.Context) error { return nil }
func (u *kafkaUpload) Abort(context.Context) error    { return nil }

func classifyKafka(err error) error {
	var prodErrs sarama.ProducerErrors
	if errors.As(err, &prodErrs) && len(prodErrs) > 0 {
		err = prodErrs[0].Err
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrRequestTimedOut, sarama.ErrNotEnoughReplicas,
			sarama.ErrNotEnoughReplicasAfterAppend, sarama.ErrLeaderNotAvailable,
			sarama.ErrNotLeaderForPartition, sarama.ErrNetworkException:
			return transient(KindKafka, kerr.Error(), err)
		case sarama.ErrTopicAuthorizationFailed, sarama.ErrClusterAuthorizationFailed,
			sarama.ErrSASLAuthenticationFailed, sarama.ErrUnknownTopicOrPartition,
			sarama.ErrMessageSizeTooLarge:
			return permanent(KindKafka, kerr.Error(), err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(KindKafka, "net timeout", err)
	}
	return err
}
