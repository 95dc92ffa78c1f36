// Package notifier turns a batch of change records into webhook notifications.
//
// Each record is parsed into a field delta, rendered into embed payloads and
// delivered in order. Records fail independently: malformed or unclassifiable
// records are logged and skipped while the rest of the batch continues. A
// transport failure or the invocation deadline aborts the batch, reports the
// invocation id to the failure sink and returns the error.
//
// Result.Settled names the records that need no retry. Callers that keep an
// outbox commit only those, so failed and abandoned records are retried.
//
// # Events
//
// Every processed record is published on the event bus as record.delivered,
// record.skipped or record.failed; the app turns them into audit entries.
package notifier
