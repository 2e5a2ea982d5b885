package kafka

import (
	"github.com/IBM/sarama"
)

// InitKafkaProducer builds the synchronous producer used for the message
// outbox. Keys are hashed so one conversation stays on one partition.
func InitKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "notify-service"
	config.Producer.MaxMessageBytes = 1000000 // 1MB

	return sarama.NewSyncProducer(brokers, config)
}
