// Package newsletter implements the newsletter delivery queue.
//
// A campaign plus a list of subscriber ids becomes one persisted Job per
// subscriber. A single Processor per process drains ready jobs in bounded
// batches, hands each rendered message to a Dispatcher, records the outcome
// in the delivery ledger, and retries failures with exponential backoff.
// After every batch the Reconciler derives each in-flight campaign's
// aggregate status purely from its job rows, so a restart can always
// recompute the right answer.
//
// The package depends only on the interfaces in repository.go and
// collaborators.go. Implementations live in repository/postgres, mailing,
// storage, and worker.
package newsletter
