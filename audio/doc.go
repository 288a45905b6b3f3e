// Package audio provides the codec adapter, the output mixer, and voice
// activity detection for the client core.
//
// All audio in the core is fixed-format: mono PCM at 48 kHz in 20 ms frames
// (960 samples). The frame duration is agreed with the server during
// authentication and every participant uses the same one; a peer advertising
// a different duration is rejected at the protocol level rather than
// resampled.
//
// The codec is pluggable. The session default is a PCM passthrough codec
// with an exact round trip; an Opus adapter wraps the pion/opus decoder for
// streams that advertise Opus payloads. Each remote speaker gets its own
// Decoder because speech codecs carry predictor state across frames.
package audio
