// Package llm provides the language-model oracle and embedding clients
// used for transaction classification.
package llm
