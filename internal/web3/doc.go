// Package web3 holds the chain side of money movement: network definitions
// loaded from YAML, token unit conversion, the call batch types submitted
// through a sponsored wallet, and the Client interface implemented per chain
// family (see the ethereum subpackage).
package web3
