package blackbox

const (
	escapeMarker = '!'
	// bytes of a sync record following the literal "SYNC"
	syncDeadTime = 5
)

var syncMarker = [4]byte{'S', 'Y', 'N', 'C'}

// syncPrefix tracks how many bytes of "SYN" have just been seen.
type syncPrefix int

func (m syncPrefix) next(c byte) syncPrefix {
	switch {
	case c == 'S':
		return 1
	case m == 1 && c == 'Y':
		return 2
	case m == 2 && c == 'N':
		return 3
	}
	return 0
}

// Unescape strips the escape markers from a record body. After "SYN" a '!' is
// dropped; any other byte completes a sync marker and the following
// syncDeadTime bytes are copied without inspection.
func Unescape(body []byte) []byte {
	out := make([]byte, 0, len(body))
	var matched syncPrefix
	dead := 0
	for _, c := range body {
		if dead > 0 {
			out = append(out, c)
			dead--
			continue
		}
		if matched == 3 {
			matched = 0
			if c == escapeMarker {
				continue
			}
			out = append(out, c)
			dead = syncDeadTime
			continue
		}
		out = append(out, c)
		matched = matched.next(c)
	}
	return out
}

// Escape inserts a '!' after every "SYN" in p, assuming p starts outside any
// partial marker.
func Escape(p []byte) []byte {
	var w escapeWriter
	w.write(p...)
	return w.buf
}

// escapeWriter builds an escaped body. Record bytes go through write; sync
// records through writeSync, which is never escaped.
type escapeWriter struct {
	buf     []byte
	matched syncPrefix
}

func (w *escapeWriter) write(p ...byte) {
	for _, c := range p {
		w.buf = append(w.buf, c)
		w.matched = w.matched.next(c)
		if w.matched == 3 {
			w.buf = append(w.buf, escapeMarker)
			w.matched = 0
		}
	}
}

func (w *escapeWriter) writeSync(body [syncDeadTime]byte) {
	w.buf = append(w.buf, syncMarker[:]...)
	w.buf = append(w.buf, body[:]...)
	w.matched = 0
}
