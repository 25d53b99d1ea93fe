package domain

// Instrument describes a tradable symbol and the risk parameters that apply
// to it. Leverage ceilings vary per instrument (majors allow more than
// freshly listed meme tokens), so the ceiling lives here rather than in a
// global constant.
type Instrument struct {
	Symbol      string
	MaxLeverage float64
	Enabled     bool
}

// DefaultMaxLeverage is used for instruments with no explicit ceiling.
const DefaultMaxLeverage = 20.0

// InstrumentSet is a read-only lookup of configured instruments.
type InstrumentSet map[string]Instrument

// Get returns the instrument for symbol, falling back to a default-ceiling
// instrument when the symbol has no explicit configuration.
func (s InstrumentSet) Get(symbol string) Instrument {
	if inst, ok := s[symbol]; ok {
		return inst
	}
	return Instrument{Symbol: symbol, MaxLeverage: DefaultMaxLeverage, Enabled: true}
}
