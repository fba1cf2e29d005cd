package mq

import (
	"fmt"
	"log"

	"salescrm/internal/config"

	"github.com/IBM/sarama"
)

var KafkaProducer sarama.SyncProducer

// InitKafka 初始化 Kafka 生产者
// 通知发件箱的投递依赖这里的同步确认：SendMessage 返回 nil 才会把
// 发件箱消息标记为 SENT，所以必须等所有副本确认，不能用异步生产者
func InitKafka(cfg *config.KafkaConfig) sarama.SyncProducer {
	if cfg.Topic.Notification == "" {
		log.Fatalf("Kafka 通知主题未配置（kafka.topic.notification），发件箱消息将无处投递")
	}

	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	KafkaProducer = producer
	log.Printf("Kafka 生产者创建成功, 通知主题=%s", cfg.Topic.Notification)
	return producer
}

// SendMessage 发送消息到 Kafka
// 主题来自发件箱行，历史脏数据可能带空主题，在这里拦下而不是交给 sarama
func SendMessage(topic, key, value string) error {
	if topic == "" {
		return fmt.Errorf("消息主题为空: key=%s", key)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := KafkaProducer.SendMessage(msg)
	return err
}

// CloseKafka 关闭 Kafka 生产者
func CloseKafka() {
	if KafkaProducer != nil {
		KafkaProducer.Close()
	}
}
