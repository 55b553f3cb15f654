// Package titles suggests titles for a processed video from its transcript.
//
// When an LLM API key is configured the suggestions come from the chat
// completion client in services/llm; otherwise a deterministic generator
// builds them from the opening of the transcript.
package titles
