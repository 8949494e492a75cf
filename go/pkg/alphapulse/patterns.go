package alphapulse

// IsHammer: long lower wick, short upper wick.
func IsHammer(c Candle) bool {
	body := c.body()
	return c.lowerWick() > 2*body && c.upperWick() < body
}

// IsEngulfing requires the current candle to engulf both the previous body
// and the previous range, in either direction.
func IsEngulfing(prev, cur Candle) bool {
	bullish := cur.Close > prev.Open && cur.Open < prev.Close &&
		cur.Close > prev.High && cur.Open < prev.Low
	bearish := cur.Open > prev.Close && cur.Close < prev.Open &&
		cur.Open > prev.High && cur.Close < prev.Low
	return bullish || bearish
}

// IsRejectionWick: either wick more than twice the body.
func IsRejectionWick(c Candle) bool {
	body := c.body()
	return c.upperWick() > 2*body || c.lowerWick() > 2*body
}

func priceActionTrigger(prev, cur Candle) bool {
	return IsHammer(cur) || IsEngulfing(prev, cur) || IsRejectionWick(cur)
}
