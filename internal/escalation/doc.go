// Package escalation consumes execution outcome events and alerts support
// for withdrawals whose funds reached the treasury while the bank payout
// failed. Nothing is rolled back automatically; the alert carries what an
// operator needs to reconcile by hand.
package escalation
