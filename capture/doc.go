// Package capture implements inactivity-timeout segmentation of a raw byte
// stream into jobs.
//
// A Session reads opaque bytes from an input source, appends each one
// durably to a buffer file, and re-arms an inactivity timer on every byte.
// When the configured silence elapses the buffered bytes become one Job,
// which is handed to a Dispatcher (typically a PCL-to-PDF conversion
// pipeline) on its own goroutine, and capture continues with the next job.
// There is no in-band framing: silence is the only boundary signal.
//
// The engine guarantees that every byte handed to it is on disk before the
// next one is consumed, that each completed job is dispatched exactly once,
// and that stopping mid-job keeps the received bytes durable even though no
// conversion runs for the incomplete job.
//
// Sessions with a non-live (disabled) input source skip the read loop and
// infer job boundaries by watching the buffer file grow, which supports an
// external collaborator writing the buffer directly.
package capture
