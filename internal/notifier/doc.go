// Package notifier delivers distribution notices asynchronously.
//
// Notices are fire-and-forget: the engine hands them to Notify, which never
// blocks. A worker pool drains the queue under a token-bucket rate limit,
// retries failed sends with jittered backoff and suppresses identical
// messages inside a dedup window.
//
// # Sinks
//
// Every message goes to the log sink. Operator notices (expired occurrences,
// halted rules) and forwarded log alerts additionally go to the operator
// sink when one is configured, e.g. a Telegram chat. Assignee notices are
// recorded, never pushed to end users.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for
// status output.
package notifier
