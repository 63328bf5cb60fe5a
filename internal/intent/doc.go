// Package intent turns a conversation into a structured money-movement
// intent. The Extractor asks the language model to classify the most recent
// messages and degrades to KindNone on any failure; the Engine decides
// whether the parameters are complete and otherwise produces a single
// clarifying question; the Builder shapes a complete intent into a
// confirmation-gated TransactionRequest without executing anything.
package intent
