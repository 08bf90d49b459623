package pcm

// ring is a fixed-size circular buffer that overwrites the oldest elements
// when full. It is not safe for concurrent use; LiveStream guards it.
type ring[T any] struct {
	buf        []T
	head, tail int64
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

// write appends p and returns how many elements were dropped to make room,
// counting both overwritten buffered elements and input that never fit.
func (r *ring[T]) write(p []T) (dropped int) {
	size := int64(len(r.buf))
	if int64(len(p)) >= size {
		// Only the newest len(buf) elements survive.
		dropped = int(r.tail - r.head)
		dropped += len(p) - len(r.buf)
		copy(r.buf, p[len(p)-len(r.buf):])
		r.head = 0
		r.tail = size
		return dropped
	}
	for len(p) > 0 {
		tail := int(r.tail % size)
		n := copy(r.buf[tail:], p)
		p = p[n:]
		r.tail += int64(n)
	}
	if used := r.tail - r.head; used > size {
		dropped = int(used - size)
		r.head = r.tail - size
	}
	return dropped
}

// read moves up to len(p) of the oldest elements into p.
func (r *ring[T]) read(p []T) int {
	size := int64(len(r.buf))
	n := 0
	for n < len(p) && r.head < r.tail {
		head := int(r.head % size)
		end := len(r.buf)
		if avail := int(r.tail - r.head); head+avail < end {
			end = head + avail
		}
		c := copy(p[n:], r.buf[head:end])
		n += c
		r.head += int64(c)
	}
	return n
}

func (r *ring[T]) len() int {
	return int(r.tail - r.head)
}

func (r *ring[T]) reset() {
	r.head = 0
	r.tail = 0
}
