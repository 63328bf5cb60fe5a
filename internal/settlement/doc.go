// Package settlement reconciles the off-chain leg of money movement with the
// settlement provider. After a withdrawal's on-chain transfer to the treasury
// returns an identifier, the Reconciler requests the bank payout and reports
// a combined Outcome that keeps "funds moved, payout failed" distinct from
// full success and full failure. It also hosts the read-side helpers (bank
// accounts, wire instructions, payouts) and the deposit flow.
package settlement
