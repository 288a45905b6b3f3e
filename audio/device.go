package audio

// InputDevice is the capture side of the audio device boundary. ReadFrame
// blocks until the device has captured one full frame, which paces the
// capture loop at the fixed frame duration. Device selection and
// configuration live outside the core.
type InputDevice interface {
	// ReadFrame fills pcm (FrameSamples long) with captured audio.
	ReadFrame(pcm []int16) error

	// Close releases the device.
	Close() error
}

// OutputDevice is the playback side of the audio device boundary.
// WriteFrame blocks until the device accepts one frame, pacing the
// playback loop.
type OutputDevice interface {
	// WriteFrame submits one frame (FrameSamples long) for playback.
	WriteFrame(pcm []int16) error

	// Close releases the device.
	Close() error
}
