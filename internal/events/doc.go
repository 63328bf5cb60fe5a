// Package events carries execution outcome events from the confirm path to
// background consumers. Memory, Redis list and RabbitMQ transports implement
// the same Bus interface; handlers that fail are redelivered a bounded
// number of times.
package events
