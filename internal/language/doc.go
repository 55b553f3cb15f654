// Package language canonicalizes the transcription language setting.
//
// Operators may write a BCP 47 tag ("ja", "pt-BR"), an ISO 639-2 code
// ("jpn", "ger"), or an English name ("japanese"). Whisper only accepts the
// base ISO 639-1 code, so everything is folded to that before it reaches
// the command line.
package language
