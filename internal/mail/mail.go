// Package mail queues outbound email behind a background worker pool. Every
// caller in the request path treats delivery as best-effort: enqueue and move
// on, never block a transaction on a mail server.
package mail

import (
	"context"
	"log"
	"sync"
	"time"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender performs the actual delivery. Implementations must be safe for
// concurrent use by the worker pool.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// sendTimeout bounds one delivery attempt.
const sendTimeout = 10 * time.Second

// Dispatcher fans messages out to a worker pool over a bounded queue. A full
// queue drops the message with a log line rather than blocking the caller.
type Dispatcher struct {
	sender  Sender
	queue   chan Message
	logger  *log.Logger
	wg      sync.WaitGroup
	workers int
}

// NewDispatcher starts the pool. Zero workers defaults to 4.
func NewDispatcher(sender Sender, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		sender:  sender,
		queue:   make(chan Message, queueSize),
		logger:  log.New(log.Writer(), "[MAIL] ", log.LstdFlags),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands a message to the pool. Returns false when the queue is full
// and the message was dropped.
func (d *Dispatcher) Enqueue(msg Message) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.logger.Printf("⚠️ mail queue full, dropping message to %s (%s)", msg.To, msg.Subject)
		return false
	}
}

// Stop drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := d.sender.Send(ctx, msg); err != nil {
			d.logger.Printf("❌ delivery failed to %s (%s): %v", msg.To, msg.Subject, err)
		}
		cancel()
	}
}

// LogSender writes messages to the process log instead of delivering them.
// Development and test deployments run with this sink; production wires a
// real provider behind the same interface.
type LogSender struct {
	logger *log.Logger
}

// NewLogSender builds the logging sink.
func NewLogSender() *LogSender {
	return &LogSender{logger: log.New(log.Writer(), "[MAIL] ", log.LstdFlags)}
}

// Send logs the message.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.Printf("📤 to=%s subject=%q body=%d bytes", msg.To, msg.Subject, len(msg.Body))
	return nil
}
