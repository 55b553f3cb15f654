// Package llm provides an OpenRouter chat client used for title suggestions.
//
// The client sends a system and user prompt to the configured model and asks
// for a JSON object back. DecodeLLMJSON tolerates the usual model quirks
// (code fences, prose around the object).
//
// # Retry Behaviour
//
// Requests are retried on HTTP 408/429/5xx, empty completions, and network
// timeouts with exponential backoff (base 1s, max 10s, up to 5 attempts by
// default). Context cancellation aborts retries immediately.
//
// When no API key is configured callers are expected to fall back to a local
// strategy rather than fail.
package llm
