package instruments

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const importBatch = 5000

const schema = `
DROP TABLE IF EXISTS instruments;
CREATE TABLE instruments (
	instrument_key    TEXT PRIMARY KEY,
	exchange_token    TEXT,
	trading_symbol    TEXT,
	name              TEXT,
	last_price        REAL,
	expiry            TEXT,
	strike            REAL,
	tick_size         REAL,
	lot_size          INTEGER,
	instrument_type   TEXT,
	segment           TEXT,
	exchange          TEXT,
	underlying_symbol TEXT,
	underlying_key    TEXT,
	asset_symbol      TEXT
);
CREATE INDEX idx_instruments_underlying ON instruments(underlying_key);
CREATE INDEX idx_instruments_symbol ON instruments(trading_symbol);`

const insertSQL = `INSERT OR REPLACE INTO instruments VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

const selectSQL = `SELECT instrument_key, exchange_token, trading_symbol, name, last_price, expiry,
	strike, tick_size, lot_size, instrument_type, segment, exchange, underlying_symbol,
	underlying_key, asset_symbol FROM instruments`

// Store is the daily SQLite copy of the instrument dump.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Import replaces the table with defs, committing every importBatch rows.
func (s *Store) Import(ctx context.Context, defs []Definition) (int, error) {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}
	n := 0
	for start := 0; start < len(defs); start += importBatch {
		end := min(start+importBatch, len(defs))
		if err := s.insertChunk(ctx, defs[start:end]); err != nil {
			return n, err
		}
		n += end - start
	}
	return n, nil
}

func (s *Store) insertChunk(ctx context.Context, defs []Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, d := range defs {
		if _, err := stmt.ExecContext(ctx, d.InstrumentKey, d.ExchangeToken, d.TradingSymbol, d.Name,
			d.LastPrice, string(d.Expiry), d.Strike, d.TickSize, d.LotSize, d.InstrumentType,
			d.Segment, d.Exchange, d.UnderlyingSymbol, d.UnderlyingKey, d.AssetSymbol); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", d.InstrumentKey, err)
		}
	}
	return tx.Commit()
}

// All reads every stored definition.
func (s *Store) All(ctx context.Context) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		var d Definition
		var token, sym, name, exp, typ, seg, exch, usym, ukey, asset sql.NullString
		if err := rows.Scan(&d.InstrumentKey, &token, &sym, &name, &d.LastPrice, &exp, &d.Strike,
			&d.TickSize, &d.LotSize, &typ, &seg, &exch, &usym, &ukey, &asset); err != nil {
			return nil, err
		}
		d.ExchangeToken, d.TradingSymbol, d.Name = token.String, sym.String, name.String
		d.Expiry = Expiry(exp.String)
		d.InstrumentType, d.Segment, d.Exchange = typ.String, seg.String, exch.String
		d.UnderlyingSymbol, d.UnderlyingKey, d.AssetSymbol = usym.String, ukey.String, asset.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// EquityKeys resolves trading symbols of cash-segment equities.
func (s *Store) EquityKeys(ctx context.Context, symbols []string) (map[string]string, error) {
	stmt, err := s.db.PrepareContext(ctx,
		`SELECT instrument_key FROM instruments WHERE trading_symbol = ? AND segment = 'NSE_EQ' AND instrument_type = 'EQ'`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	out := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		var key string
		switch err := stmt.QueryRowContext(ctx, sym).Scan(&key); err {
		case nil:
			out[sym] = key
		case sql.ErrNoRows:
		default:
			return nil, err
		}
	}
	return out, nil
}

// LoadMaster builds the in-memory master from the stored rows.
func (s *Store) LoadMaster(ctx context.Context) (*Master, error) {
	defs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return NewMaster(defs...), nil
}
