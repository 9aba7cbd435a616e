// Package llm provides LLM client implementations for the llm capability.
//
// The factory creates LLM clients based on provider configuration.
// Currently supports:
//   - Anthropic Claude
package llm
