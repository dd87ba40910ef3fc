// Package conveyor provides a durable background-job worker framework
// with interchangeable broker bindings. It offers at-least-once delivery,
// bounded-concurrency processing, retries with backoff, dead-letter
// routing, and an operational surface (health probes, Prometheus metrics,
// DLQ browse/replay) suitable for running workers in a cluster.
//
// Conveyor is designed as a library, not a service. Import it, pick a
// broker binding, and implement a Processor for your job type.
//
// # Quick Start
//
//	binding := redisq.New(rdb)
//	w := worker.New(binding, q, proc, job.DecodeRaw,
//	    worker.WithConcurrency[job.Raw](16),
//	    worker.WithPolicy[job.Raw](policy),
//	    worker.WithDLQ[job.Raw](dlqService),
//	)
//	err := w.Run(ctx)
//
// # Architecture
//
// Each subsystem lives in its own package: job contracts and results in
// job, delay computation in backoff, the circuit breaker and rate limiter
// in resilience, broker bindings under broker, dead-letter handling in
// dlq, and the execution engine in worker. Two bindings ship with the
// module: a Redis Streams consumer-group binding (broker/redisq) and a
// NATS JetStream pull-consumer binding (broker/natsq). Both satisfy the
// same broker.Binding contract, so the engine is broker-agnostic.
package conveyor
