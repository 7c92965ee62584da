package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a provider's producer goroutine when the caller has
// stopped caring about the rest of a synthesis stream.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Collect reads ch until it is closed and returns the concatenated bytes.
func Collect(ch <-chan []byte) []byte {
	var out []byte
	for b := range ch {
		out = append(out, b...)
	}
	return out
}
