package audio

// Framer slices an arbitrarily chunked byte stream into fixed [FrameSize]
// frames. Bytes that do not fill a whole frame are carried over to the next
// Write. A Framer is owned by a single goroutine.
type Framer struct {
	carry []byte
}

// Write appends p to the carry buffer and returns every complete frame now
// available. The returned frames do not alias p.
func (f *Framer) Write(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	f.carry = append(f.carry, p...)

	n := len(f.carry) / FrameSize
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, FrameSize)
		copy(frame, f.carry[i*FrameSize:(i+1)*FrameSize])
		frames = append(frames, frame)
	}

	rest := len(f.carry) - n*FrameSize
	copy(f.carry, f.carry[n*FrameSize:])
	f.carry = f.carry[:rest]
	return frames
}

// Flush returns the remaining sub-frame bytes padded with μ-law silence, or
// nil if nothing is buffered. The carry buffer is empty afterwards.
func (f *Framer) Flush() []byte {
	if len(f.carry) == 0 {
		return nil
	}
	frame := PadFrame(f.carry)
	f.carry = f.carry[:0]
	return frame
}

// Buffered reports the number of carried bytes.
func (f *Framer) Buffered() int { return len(f.carry) }

// Split cuts data into frames, padding the last one with silence.
func Split(data []byte) [][]byte {
	var f Framer
	frames := f.Write(data)
	if last := f.Flush(); last != nil {
		frames = append(frames, last)
	}
	return frames
}
