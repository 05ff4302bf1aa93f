// Package sagastream implements distributed sagas on top of a durable,
// consumer-grouped event log such as Redis Streams.
//
// A saga moves through the states START, JOIN, COMMIT and ROLLBACK. Every
// transition is appended to the log by the Manager and delivered to the
// handlers registered for that state on every node of the consumer group.
// Handler failures are turned into a ROLLBACK publication instead of being
// returned to the publisher, and a failing ROLLBACK handler parks the saga
// in the dead letter stream until it is relayed.
//
// Overview
//
//  1. Create an Engine over an EventLog (NewRedisLog or NewMemoryLog) and a
//     Store (NewRedisStore or NewMemoryStore).
//  2. Register handlers with Registry.Handle or HandleTyped, or declare an
//     orchestration with NewOrchestrator:
//
//     orders, err := sagastream.NewOrchestrator[Order, Receipt](engine, "orders").
//     Start(sagastream.NewCompensableStep("reserve", reserve, release)).
//     Join(sagastream.NewStep("charge", charge)).
//     Commit(sagastream.NewStep("ship", ship))
//
//  3. Start the engine and run sagas:
//
//     receipt, err := orders.Run(ctx, order)
//
// When a step fails the completed compensable steps are undone in reverse
// order, each with the input it ran with, and Run returns a
// *SagaFailedError. DecodeFailure recovers the original error value.
//
// Delivery is at least once. Deliveries that are never acknowledged, for
// example because a node crashed, are reclaimed by the RetrySupporter, so
// handlers must be idempotent.
package sagastream
