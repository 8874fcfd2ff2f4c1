// Package events delivers per-job render events to live subscribers and to
// batching sinks.
//
// The Bridge assigns each job's events a sequence number, keeps progress
// non-decreasing, and buffers them per subscriber with drop-oldest overflow
// so publishers never block. Late subscribers first receive a synthetic
// state event describing where the job currently is. Every event is also
// emitted to a Hub, which batches events for sinks such as the log, metrics
// and Pub/Sub sinks.
package events
