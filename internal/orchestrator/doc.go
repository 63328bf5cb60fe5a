// Package orchestrator sequences a conversation turn through intent
// classification, parameter completion and request building, and drives a
// confirmed request through execution and settlement.
//
// A turn never executes anything with side effects on the chain. It either
// replies with text or issues a pending transaction request that the caller
// must confirm in a separate call. Confirmations are claimed from the pending
// store so that each issued request executes at most once.
package orchestrator
