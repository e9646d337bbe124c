// Package sessionbroker implements the Session Broker: terminal session
// lifecycle, cross-replica byte routing, and ordering (spec §4.3).
//
// Cross-replica delivery semantics are at-least-once, not exactly-once.
// A session's sender stamps every outbound chunk with a per-direction,
// per-session monotonically increasing sequence number. The receiving
// side (whichever replica currently holds the operator or agent
// transport) buffers a sequence number that arrives ahead of the next
// expected one and releases it, in order, once the gap closes, rather
// than dropping anything that isn't immediately next; a frame at or
// below the next-expected sequence is a stale redelivery and is
// dropped. Redis Pub/Sub and the Connection Hub's bounded queues can
// both redeliver or reorder under load — the reorder buffer is what
// keeps a replayed chunk from reaching a PTY or a browser twice while
// still delivering every byte a reordered (not just duplicated)
// delivery would otherwise lose. This was an explicit choice over
// building exactly-once delivery receipts, which the spec leaves
// unsettled as an open question.
//
// Only the operator-to-agent direction crosses replicas: commands go
// through presence Deliver to the agent's replica. Frames an agent sends
// are handled by the broker on the agent's own replica and reach the
// operator only when that replica also holds the session.
package sessionbroker
