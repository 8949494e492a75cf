package instruments

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

const dump = `[
 {"instrument_key":"NSE_INDEX|Nifty 50","trading_symbol":"NIFTY","segment":"NSE_INDEX","instrument_type":"INDEX"},
 {"instrument_key":"NSE_EQ|INE040A01034","trading_symbol":"HDFCBANK","segment":"NSE_EQ","instrument_type":"EQ"},
 {"instrument_key":"NSE_EQ|SME1","trading_symbol":"TINYCO","segment":"NSE_EQ","instrument_type":"SM"},
 {"instrument_key":"NSE_FO|1001","trading_symbol":"NIFTY 22000 CE","segment":"NSE_FO","instrument_type":"CE",
  "strike_price":22000,"expiry":"2026-10-22","underlying_key":"NSE_INDEX|Nifty 50","asset_symbol":"NIFTY"},
 {"instrument_key":"NSE_FO|1002","trading_symbol":"NIFTY 22000 PE","segment":"NSE_FO","instrument_type":"PE",
  "strike_price":22000,"expiry":"2026-10-22","underlying_key":"NSE_INDEX|Nifty 50","asset_symbol":"NIFTY"},
 {"instrument_key":"NSE_FO|2001","trading_symbol":"NIFTY 22000 CE","segment":"NSE_FO","instrument_type":"CE",
  "strike_price":22000,"expiry":null,"underlying_key":"NSE_INDEX|Nifty 50"}
]`

func writeDump(t *testing.T, gz bool) string {
	t.Helper()
	dir := t.TempDir()
	if !gz {
		p := filepath.Join(dir, "NSE.json")
		if err := os.WriteFile(p, []byte(dump), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	p := filepath.Join(dir, "NSE.json.gz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	w := gzip.NewWriter(f)
	_, _ = w.Write([]byte(dump))
	_ = w.Close()
	_ = f.Close()
	return p
}

func day(s string) time.Time {
	t, _ := time.ParseInLocation("2006-01-02", s, time.Local)
	return t
}

func TestMasterLookups(t *testing.T) {
	m, err := LoadMaster(writeDump(t, true))
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if m.Len() != 6 {
		t.Fatalf("len=%d", m.Len())
	}
	if d, ok := m.Get("NSE_FO|1001"); !ok || !d.IsOption() || d.Strike != 22000 {
		t.Fatalf("get=%+v,%v", d, ok)
	}
	k, ok := m.FindInstrumentKey("NSE_INDEX|Nifty 50", 22000, "pe", day("2026-10-22"))
	if !ok || k != "NSE_FO|1002" {
		t.Fatalf("find pe=%q,%v", k, ok)
	}
	if k, ok := m.FindInstrumentKey("NIFTY", 22000.004, "CE", day("2026-10-22").Add(15*time.Hour)); !ok || k != "NSE_FO|1001" {
		t.Fatalf("find by asset symbol=%q,%v", k, ok)
	}
	if _, ok := m.FindInstrumentKey("NSE_INDEX|Nifty 50", 22050, "CE", day("2026-10-22")); ok {
		t.Fatalf("unexpected strike match")
	}
	if k, ok := m.FindInstrumentKeyForEquity("HDFCBANK"); !ok || k != "NSE_EQ|INE040A01034" {
		t.Fatalf("equity=%q,%v", k, ok)
	}
	if _, ok := m.FindInstrumentKeyForEquity("TINYCO"); ok {
		t.Fatalf("non-EQ instrument type must not resolve as equity")
	}
	exp, ok := m.FindNearestExpiry("NSE_INDEX|Nifty 50", day("2026-10-19"))
	if !ok || !exp.Equal(day("2026-10-22")) {
		t.Fatalf("nearest=%v,%v", exp, ok)
	}
	if _, ok := m.FindNearestExpiry("NSE_INDEX|Nifty 50", day("2026-10-23")); ok {
		t.Fatalf("no expiry after the 22nd")
	}
}

func TestReAddReplacesUnderlyingEntry(t *testing.T) {
	m, err := LoadMaster(writeDump(t, false))
	if err != nil {
		t.Fatal(err)
	}
	d, _ := m.Get("NSE_FO|1001")
	d.Strike = 22100
	m.Add(d)
	m.Add(d)
	if m.Len() != 6 {
		t.Fatalf("len=%d", m.Len())
	}
	for _, u := range []string{"NSE_INDEX|Nifty 50", "NIFTY"} {
		n := 0
		for _, o := range m.underlying[u] {
			if o.InstrumentKey == "NSE_FO|1001" {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("%s holds %d copies of NSE_FO|1001", u, n)
		}
	}
	if k, ok := m.FindInstrumentKey("NIFTY", 22000, "CE", day("2026-10-22")); ok {
		t.Fatalf("stale strike still resolves to %q", k)
	}
	if k, ok := m.FindInstrumentKey("NIFTY", 22100, "CE", day("2026-10-22")); !ok || k != "NSE_FO|1001" {
		t.Fatalf("find=%q,%v", k, ok)
	}
}

func TestExpiryFormats(t *testing.T) {
	ms := day("2026-11-26").Add(15*time.Hour + 30*time.Minute).UnixMilli()
	e := Expiry(strconv.FormatInt(ms, 10))
	got, ok := e.Date()
	if !ok || !got.Equal(day("2026-11-26")) {
		t.Fatalf("epoch expiry=%v,%v", got, ok)
	}
	if _, ok := Expiry("garbage").Date(); ok {
		t.Fatalf("garbage should not parse")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	defs, err := ReadDump(writeDump(t, false))
	if err != nil {
		t.Fatalf("ReadDump: %v", err)
	}
	s, err := OpenStore(filepath.Join(t.TempDir(), "instruments.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	n, err := s.Import(ctx, defs)
	if err != nil || n != len(defs) {
		t.Fatalf("import n=%d err=%v", n, err)
	}
	keys, err := s.EquityKeys(ctx, []string{"HDFCBANK", "TINYCO", "MISSING"})
	if err != nil {
		t.Fatalf("EquityKeys: %v", err)
	}
	if len(keys) != 1 || keys["HDFCBANK"] != "NSE_EQ|INE040A01034" {
		t.Fatalf("keys=%v", keys)
	}
	m, err := s.LoadMaster(ctx)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if k, ok := m.FindInstrumentKey("NSE_INDEX|Nifty 50", 22000, "CE", day("2026-10-22")); !ok || k != "NSE_FO|1001" {
		t.Fatalf("find after reload=%q,%v", k, ok)
	}
}
