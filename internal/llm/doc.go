// Package llm defines the message and result types exchanged with council
// models, independent of the gateway that serves them.
package llm
