// Package llm defines the narrow contract the agent uses to ask a language
// model for portfolio decisions, plus provider adapters under subpackages.
package llm
