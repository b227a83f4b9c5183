package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/pkg/config"
)

// Event is anything that can be keyed onto a partition.
type Event interface {
	GetId() string
}

// Producer writes events of one type to a Kafka topic. Send never blocks:
// when the producer's input buffer is full the event is dropped and logged.
type Producer[T Event] struct {
	producer sarama.AsyncProducer
	topic    string
	log      logger.Logger

	wg   sync.WaitGroup
	once sync.Once
}

func NewProducer[T Event](producer sarama.AsyncProducer, topic string, log logger.Logger) *Producer[T] {
	p := &Producer[T]{producer: producer, topic: topic, log: log}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

func (p *Producer[T]) GetTopic() string {
	return p.topic
}

func (p *Producer[T]) Send(event T, headers ...sarama.RecordHeader) bool {
	value, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to marshal event", logger.StringField("topic", p.topic), logger.ErrorField("error", err))
		return false
	}

	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(event.GetId()),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}

	select {
	case p.producer.Input() <- msg:
		return true
	default:
		p.log.Warn("Event buffer full, dropping event",
			logger.StringField("topic", p.topic),
			logger.StringField("key", event.GetId()))
		return false
	}
}

func (p *Producer[T]) drainErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.log.Error("Failed to deliver event",
			logger.StringField("topic", perr.Msg.Topic),
			logger.ErrorField("error", perr.Err))
	}
}

// Close flushes buffered events and stops the producer.
func (p *Producer[T]) Close() error {
	var err error
	p.once.Do(func() {
		err = p.producer.Close()
		p.wg.Wait()
	})
	return err
}

// KafkaPublisher publishes committed ledger transactions.
type KafkaPublisher struct {
	*Producer[*models.TransferEvent]
}

func NewKafkaPublisher(producer sarama.AsyncProducer, topic string, log logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{Producer: NewProducer[*models.TransferEvent](producer, topic, log)}
}

func (p *KafkaPublisher) Publish(_ context.Context, event *models.TransferEvent) {
	p.Send(event, sarama.RecordHeader{Key: []byte("event_type"), Value: []byte(event.Type)})
}

// NewAsyncProducer connects to the brokers in cfg.
func NewAsyncProducer(cfg config.KafkaConfig) (sarama.AsyncProducer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Retry.Max = 5
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewAsyncProducer(cfg.Brokers, sc)
}
