// Package format carries the sample format descriptor shared by the cache,
// resampler, and mixer: sample rate and channel count, plus the sentinel
// value used to mean "unspecified, inherit whatever came before".
package format

// Format describes interleaved PCM samples: samplerate in Hz and channel
// count. The zero value means "unspecified" and is used by producers that
// never change format to signal "same as before" without tracking state.
type Format struct {
	SampleRate uint32
	Channels   uint8
}

// Zero is the sentinel "unspecified; inherit prior" value.
var Zero = Format{}

// IsZero reports whether f is the unspecified sentinel.
func (f Format) IsZero() bool {
	return f.SampleRate == 0 && f.Channels == 0
}

// Nontrivial reports whether f carries an actual format, i.e. whether a
// producer reporting this value should be treated as announcing a format
// rather than leaving the prior one in effect. Per contract, a format is
// nontrivial if either field is nonzero.
func (f Format) Nontrivial() bool {
	return f.SampleRate != 0 || f.Channels != 0
}

// Equal reports field-wise equality. A zero field never equals a nonzero
// field, so Format{} only equals Format{}.
func (f Format) Equal(other Format) bool {
	return f.SampleRate == other.SampleRate && f.Channels == other.Channels
}

// BytesPerFrame returns the byte width of one frame (all channels) for the
// given sample width in bytes (4 for int32 or float32).
func (f Format) BytesPerFrame(sampleWidth int) int {
	return int(f.Channels) * sampleWidth
}
