// Package tlsstage implements TLS as a pipeline stage of a
// [channel.Channel].
//
// A [Stage] drives an [Engine], which does the cryptography: the stage only
// decides when records are produced and consumed. Ciphertext read from the
// channel is accumulated and unwrapped into plaintext reads for the handlers
// after the stage, and plaintext written by those handlers is wrapped into
// ciphertext on flush. Application writes issued before the initial
// handshake completes are held until it does.
//
// Every handshake, initial or renegotiated, ends with exactly one
// [HandshakeCompleteEvent] fired as a user event. [StdEngine] adapts
// crypto/tls; the tlstest package provides a deterministic engine that also
// supports renegotiation.
package tlsstage
