// # Go Client Package for Realtime Voice Conversations
//
// This repository provides a Go package for holding one persistent, low-latency, two-way voice conversation with a cloud dialogue service over WebRTC. It fetches a short-lived credential from a backend token endpoint, negotiates a peer connection carrying a microphone track and a synthesized-audio track, speaks the service's JSON control protocol over a reliable ordered data channel, and keeps a local conversation history for downstream consumers such as transcript analysis.
package realtime
