// Package notifier delivers change notifications to chats.
//
// Delivery is best effort: failures are logged and counted, never returned
// and never retried. Outgoing calls share one token-bucket limiter so a burst
// of changes across many tracked addresses cannot trip platform flood limits.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for the
// /health command.
package notifier
