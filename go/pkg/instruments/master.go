package instruments

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Lookup is what the engines need from the instrument master.
type Lookup interface {
	Get(key string) (Definition, bool)
	FindInstrumentKey(underlying string, strike float64, optionType string, expiry time.Time) (string, bool)
	FindInstrumentKeyForEquity(symbol string) (string, bool)
	FindNearestExpiry(underlying string, from time.Time) (time.Time, bool)
}

// Master indexes definitions by key, by underlying (key and asset symbol) and
// equities by trading symbol.
type Master struct {
	mu         sync.RWMutex
	byKey      map[string]Definition
	underlying map[string][]Definition
	equities   map[string]string
}

func NewMaster(defs ...Definition) *Master {
	m := &Master{
		byKey:      make(map[string]Definition),
		underlying: make(map[string][]Definition),
		equities:   make(map[string]string),
	}
	m.Add(defs...)
	return m
}

// Add indexes defs. Re-adding a key replaces the entry in every index.
func (m *Master) Add(defs ...Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		if d.InstrumentKey == "" {
			continue
		}
		if old, ok := m.byKey[d.InstrumentKey]; ok {
			m.unindexLocked(old)
		}
		m.byKey[d.InstrumentKey] = d
		if d.UnderlyingKey != "" {
			m.underlying[d.UnderlyingKey] = append(m.underlying[d.UnderlyingKey], d)
		}
		if d.AssetSymbol != "" && d.AssetSymbol != d.UnderlyingKey {
			m.underlying[d.AssetSymbol] = append(m.underlying[d.AssetSymbol], d)
		}
		if d.TradingSymbol != "" && d.IsEquity() {
			m.equities[d.TradingSymbol] = d.InstrumentKey
		}
	}
}

func (m *Master) unindexLocked(d Definition) {
	for _, u := range []string{d.UnderlyingKey, d.AssetSymbol} {
		if u == "" {
			continue
		}
		defs := m.underlying[u][:0]
		for _, o := range m.underlying[u] {
			if o.InstrumentKey != d.InstrumentKey {
				defs = append(defs, o)
			}
		}
		m.underlying[u] = defs
	}
	if m.equities[d.TradingSymbol] == d.InstrumentKey {
		delete(m.equities, d.TradingSymbol)
	}
}

// AddEquity maps a trading symbol to a key directly.
func (m *Master) AddEquity(symbol, key string) {
	m.mu.Lock()
	m.equities[symbol] = key
	m.mu.Unlock()
}

func (m *Master) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

func (m *Master) Get(key string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byKey[key]
	return d, ok
}

func (m *Master) FindInstrumentKey(underlying string, strike float64, optionType string, expiry time.Time) (string, bool) {
	want := DateOf(expiry)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.underlying[underlying] {
		if math.Abs(d.Strike-strike) >= 0.01 || !strings.EqualFold(d.InstrumentType, optionType) {
			continue
		}
		if exp, ok := d.ExpiryDate(); ok && exp.Equal(want) {
			return d.InstrumentKey, true
		}
	}
	return "", false
}

func (m *Master) FindInstrumentKeyForEquity(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.equities[symbol]
	return k, ok
}

// FindNearestExpiry is the earliest expiry on or after from's date.
func (m *Master) FindNearestExpiry(underlying string, from time.Time) (time.Time, bool) {
	day := DateOf(from)
	var best time.Time
	found := false
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.underlying[underlying] {
		exp, ok := d.ExpiryDate()
		if !ok || exp.Before(day) {
			continue
		}
		if !found || exp.Before(best) {
			best, found = exp, true
		}
	}
	return best, found
}

// ReadDump decodes a JSON array of definitions. Paths ending in .gz are
// decompressed on the fly.
func ReadDump(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	if err := sonnet.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return defs, nil
}

// LoadMaster builds a master straight from a dump file.
func LoadMaster(path string) (*Master, error) {
	defs, err := ReadDump(path)
	if err != nil {
		return nil, err
	}
	return NewMaster(defs...), nil
}

// IsOption reports whether key is a listed CE/PE contract.
func (m *Master) IsOption(key string) bool {
	d, ok := m.Get(key)
	return ok && d.IsOption()
}
