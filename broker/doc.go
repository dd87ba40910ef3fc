// Package broker defines the contract between the worker engine and a
// message broker, plus the producer that applications use to enqueue
// jobs. Two bindings implement the contract: broker/redisq (Redis
// Streams consumer groups) and broker/natsq (NATS JetStream durable pull
// consumers).
//
// The contract is the least common denominator of the two brokers'
// semantics: append with an approximate length cap, blocking batched
// fetch, ack, nak-with-delay (native on JetStream, emulated with a
// scheduled stream on Redis), and a terminal do-not-redeliver signal
// (native term on JetStream, plain ack on Redis; the DLQ write that
// precedes it is what makes the decision durable).
package broker
