package call

// chunker regroups decoded wire frames into fixed-size analysis chunks, so the
// voice activity cadence does not depend on the carrier's frame size.
type chunker struct {
	size int
	buf  []int16
}

func newChunker(size int) *chunker {
	return &chunker{size: size, buf: make([]int16, 0, size)}
}

// add appends pcm and returns every chunk it completed, in order. Returned
// chunks are owned by the caller.
func (c *chunker) add(pcm []int16) [][]int16 {
	var out [][]int16
	for len(pcm) > 0 {
		n := min(c.size-len(c.buf), len(pcm))
		c.buf = append(c.buf, pcm[:n]...)
		pcm = pcm[n:]
		if len(c.buf) == c.size {
			chunk := make([]int16, c.size)
			copy(chunk, c.buf)
			out = append(out, chunk)
			c.buf = c.buf[:0]
		}
	}
	return out
}

// reset drops any partial chunk.
func (c *chunker) reset() { c.buf = c.buf[:0] }
