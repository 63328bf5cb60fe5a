// Package llm defines the language model capability used by the pipeline:
// a conversation goes in, text comes out. Provider adapters live in the
// openai and gemini subpackages; Guarded wraps any of them with a circuit
// breaker and a request rate limit.
package llm
