// Package statestore combines a fast tier and the durable SQL tier into one
// artifact store.
//
// Writes stage artifacts as PENDING in the fast tier, commit them durably,
// then promote the fast copies. A failed durable commit goes to a recovery
// queue and is retried with exponential backoff; if recovery gives up the
// staged copies are purged so a failed execution never exposes READY
// artifacts.
//
// Reads try the fast tier, then the durable tier, each under its own
// timeout. The durable tier is the source of truth: fast copies in a
// mutable state are verified against it and repaired in the background.
package statestore
