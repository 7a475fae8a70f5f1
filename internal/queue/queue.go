// Package queue 提供 Webhook 投递等后台作业使用的消息队列抽象，
// 支持内存、Redis list 与 RabbitMQ 三种实现。
package queue

import (
	"context"
)

// Handler 处理来自消息队列的作业 ID。
type Handler func(ctx context.Context, id string) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, id string) error
	Close() error
}

// Consumer 负责从队列中消费作业。Consume 阻塞直到 ctx 结束或队列关闭。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
