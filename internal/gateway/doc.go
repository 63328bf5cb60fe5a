// Package gateway executes approved transaction requests on-chain through the
// sponsored wallet channel. It resolves the destination (the treasury for
// withdrawals, the user's recipient for transfers), encodes a single ERC-20
// transfer call, checks the sponsorship policy and submits the batch. The
// returned identifier is the completion signal; finality is not polled.
package gateway
