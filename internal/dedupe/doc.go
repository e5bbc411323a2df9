// Package dedupe remembers which task each idempotency key created, so a
// client that retries a submission within the TTL gets the original task back.
package dedupe
