package blackbox

// holdSpan writes vals into every column over the span's frames. Frames
// before the first span keep their zero value.
func holdSpan(cols [][]float64, vals []float64, sp Span) {
	for i, col := range cols {
		v := vals[i]
		for f := sp.Frame; f <= sp.Last && f < len(col); f++ {
			col[f] = v
		}
	}
}

type eventSpan struct {
	Span
	mode uint8
}

// eventSpans applies the span rule to flight-mode events.
func eventSpans(events []Event, frames int) []eventSpan {
	out := make([]eventSpan, 0, len(events))
	for i, e := range events {
		if e.Frame >= frames {
			break
		}
		last := frames - 1
		if i+1 < len(events) && events[i+1].Frame-1 < last {
			last = events[i+1].Frame - 1
		}
		if last < e.Frame {
			continue
		}
		out = append(out, eventSpan{Span: Span{Observation: Observation{Frame: e.Frame}, Last: last}, mode: e.Mode})
	}
	return out
}

// InterpolateForExport replaces held values with a linear ramp between the
// frames whose loaded bits contain mask. The series is left untouched unless
// both the first and the last frame are loaded.
func InterpolateForExport(values []float64, loaded []uint8, mask uint8) {
	n := len(values)
	if n == 0 || len(loaded) < n {
		return
	}
	if loaded[0]&mask != mask || loaded[n-1]&mask != mask {
		return
	}
	good := 0
	for i := 1; i < n; i++ {
		if loaded[i]&mask != mask {
			continue
		}
		if gap := i - good; gap > 1 {
			start, end := values[good], values[i]
			for j := 1; j < gap; j++ {
				values[good+j] = start + (end-start)*float64(j)/float64(gap)
			}
		}
		good = i
	}
}
