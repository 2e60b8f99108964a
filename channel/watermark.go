package channel

import (
	"errors"
)

// WatermarkTracker counts outstanding outbound bytes and reports
// writability with hysteresis: it becomes unwritable when the count reaches
// the high watermark, and writable again only once the count drops to the
// low watermark. Nothing is reported while the count moves inside the band.
//
// It is not safe for concurrent use; a channel's tracker belongs to its loop.
type WatermarkTracker struct {
	onChange    func(writable bool)
	high        int
	low         int
	outstanding int
	writable    bool
}

// NewWatermarkTracker returns a writable tracker. onChange, which may be nil,
// is called on every transition.
func NewWatermarkTracker(high, low int, onChange func(writable bool)) (*WatermarkTracker, error) {
	if low < 0 || high < low {
		return nil, errors.New("channel: watermarks must satisfy high >= low >= 0")
	}
	return &WatermarkTracker{
		onChange: onChange,
		high:     high,
		low:      low,
		writable: true,
	}, nil
}

// OnEnqueue adds n outstanding bytes.
func (w *WatermarkTracker) OnEnqueue(n int) {
	if n <= 0 {
		return
	}
	w.outstanding += n
	if w.writable && w.outstanding >= w.high {
		w.set(false)
	}
}

// OnFlushed removes n outstanding bytes, written or discarded.
func (w *WatermarkTracker) OnFlushed(n int) {
	if n <= 0 {
		return
	}
	w.outstanding -= n
	if w.outstanding < 0 {
		w.outstanding = 0
	}
	if !w.writable && w.outstanding <= w.low {
		w.set(true)
	}
}

// Outstanding returns the current byte count.
func (w *WatermarkTracker) Outstanding() int { return w.outstanding }

// Writable reports the current writability.
func (w *WatermarkTracker) Writable() bool { return w.writable }

func (w *WatermarkTracker) High() int { return w.high }
func (w *WatermarkTracker) Low() int  { return w.low }

func (w *WatermarkTracker) set(writable bool) {
	w.writable = writable
	if w.onChange != nil {
		w.onChange(writable)
	}
}
