package alphapulse

// Candle is an OHLCV bucket keyed by its wall-clock start.
type Candle struct {
	Start  int64   `json:"start"` // ms epoch
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

func newCandle(start int64, px float64, vol int64) Candle {
	return Candle{Start: start, Open: px, High: px, Low: px, Close: px, Volume: vol}
}

func (c *Candle) Update(px float64, vol int64) {
	if px > c.High {
		c.High = px
	}
	if px < c.Low {
		c.Low = px
	}
	c.Close = px
	c.Volume += vol
}

func (c Candle) body() float64 {
	if c.Open > c.Close {
		return c.Open - c.Close
	}
	return c.Close - c.Open
}

func (c Candle) upperWick() float64 { return c.High - max(c.Open, c.Close) }

func (c Candle) lowerWick() float64 { return min(c.Open, c.Close) - c.Low }

func bucketStart(ts, width int64) int64 {
	return ts - ts%width
}

// window keeps the newest size candles in start order.
type window struct {
	size    int
	width   int64
	candles []Candle
}

func newWindow(size int, width int64) *window {
	return &window{size: size, width: width, candles: make([]Candle, 0, size+1)}
}

// add folds a price into the current bucket, opening a new one (and evicting
// the oldest past size) when ts crosses into the next bucket.
func (w *window) add(ts int64, px float64, vol int64) {
	start := bucketStart(ts, w.width)
	if n := len(w.candles); n > 0 && w.candles[n-1].Start == start {
		w.candles[n-1].Update(px, vol)
		return
	}
	w.candles = append(w.candles, newCandle(start, px, vol))
	if len(w.candles) > w.size {
		copy(w.candles, w.candles[1:])
		w.candles = w.candles[:w.size]
	}
}

func (w *window) full() bool { return len(w.candles) == w.size }

func (w *window) last() (Candle, bool) {
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// Zone is the support/resistance pair from a full macro window.
type Zone struct {
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
}

func zoneOf(cs []Candle) Zone {
	z := Zone{Support: cs[0].Low, Resistance: cs[0].High}
	for _, c := range cs[1:] {
		z.Resistance = max(z.Resistance, c.High)
		z.Support = min(z.Support, c.Low)
	}
	return z
}
