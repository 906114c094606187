package marketdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// loadConcurrency bounds the per-symbol frame loads during LoadMarket.
const loadConcurrency = 8

const schema = `
CREATE TABLE IF NOT EXISTS daily_bars (
	symbol     TEXT NOT NULL,
	date       TEXT NOT NULL,
	open       REAL NOT NULL,
	high       REAL NOT NULL,
	low        REAL NOT NULL,
	close      REAL NOT NULL,
	pre_close  REAL NOT NULL,
	volume     REAL NOT NULL,
	amount     REAL NOT NULL,
	suspended  INTEGER NOT NULL DEFAULT 0,
	indicators TEXT,
	PRIMARY KEY (symbol, date)
);
CREATE TABLE IF NOT EXISTS trading_calendar (
	date TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS index_members (
	index_code TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	rank       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (index_code, symbol)
);
`

// SQLiteStore is a Manager backed by a sqlite database of daily bars,
// trading calendar and index membership.
type SQLiteStore struct {
	db   *sql.DB
	seed int64
	log  *logrus.Entry
}

// OpenSQLiteStore opens (creating if necessary) the bar database at path.
// The seed drives stratified sampling during symbol selection.
func OpenSQLiteStore(path string, seed int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{
		db:   db,
		seed: seed,
		log:  logrus.WithField("component", "sqlite-store"),
	}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadUniverse returns the index members ordered by stored rank.
func (s *SQLiteStore) LoadUniverse(ctx context.Context, indexCode string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol FROM index_members WHERE index_code = ? ORDER BY rank, symbol`, indexCode)
	if err != nil {
		return nil, fmt.Errorf("query universe %s: %w", indexCode, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("index %s has no members", indexCode)
	}
	return symbols, nil
}

// LoadSymbol returns one symbol's frame for the window, dates ascending.
func (s *SQLiteStore) LoadSymbol(ctx context.Context, symbol, start, end string) (*types.DailyFrame, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, open, high, low, close, pre_close, volume, amount, suspended, indicators
		 FROM daily_bars WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date`,
		symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("query bars %s: %w", symbol, err)
	}
	defer rows.Close()

	frame := &types.DailyFrame{Symbol: symbol, Bars: make(map[string]*types.DailyBar)}
	for rows.Next() {
		var (
			date       string
			bar        types.DailyBar
			suspended  int
			indicators sql.NullString
		)
		if err := rows.Scan(&date, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.PreClose,
			&bar.Volume, &bar.Amount, &suspended, &indicators); err != nil {
			return nil, err
		}
		bar.Suspended = suspended != 0
		if indicators.Valid && indicators.String != "" {
			if err := json.Unmarshal([]byte(indicators.String), &bar.Indicators); err != nil {
				s.log.WithField("symbol", symbol).WithField("date", date).
					WithError(err).Warn("bad indicators payload, skipped")
			}
		}
		b := bar
		frame.Dates = append(frame.Dates, date)
		frame.Bars[date] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(frame.Dates) == 0 {
		return nil, fmt.Errorf("no bars for %s in %s ~ %s", symbol, start, end)
	}
	return frame, nil
}

// LoadMarket loads frames for up to maxSymbols of the given symbols plus the
// window's trading calendar. With a scorer the whole candidate set is loaded
// concurrently, scored on each symbol's last bar, and the top symbols kept;
// without one a seeded stratified sample by code prefix is loaded instead.
// All loading completes before this returns; nothing runs during the
// backtest loop.
func (s *SQLiteStore) LoadMarket(ctx context.Context, symbols []string, start, end string, maxSymbols int, scorer Scorer) (map[string]*types.DailyFrame, []string, error) {
	if maxSymbols <= 0 || maxSymbols > len(symbols) {
		maxSymbols = len(symbols)
	}

	var candidates []string
	if scorer == nil {
		candidates = StratifiedSample(symbols, maxSymbols, s.seed)
	} else {
		candidates = symbols
	}

	frames, err := s.loadFrames(ctx, candidates, start, end)
	if err != nil {
		return nil, nil, err
	}

	if scorer != nil && len(frames) > maxSymbols {
		keep := TopKByScore(frames, scorer, maxSymbols)
		selected := make(map[string]*types.DailyFrame, len(keep))
		for _, symbol := range keep {
			selected[symbol] = frames[symbol]
		}
		frames = selected
	}

	dates, err := s.tradingDates(ctx, start, end, frames)
	if err != nil {
		return nil, nil, err
	}

	s.log.WithFields(logrus.Fields{
		"requested": len(symbols),
		"loaded":    len(frames),
		"days":      len(dates),
	}).Info("market loaded")

	return frames, dates, nil
}

// loadFrames loads the symbols concurrently, silently skipping symbols with
// no bars in the window.
func (s *SQLiteStore) loadFrames(ctx context.Context, symbols []string, start, end string) (map[string]*types.DailyFrame, error) {
	var mu sync.Mutex
	frames := make(map[string]*types.DailyFrame, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			frame, err := s.LoadSymbol(gctx, symbol, start, end)
			if err != nil {
				s.log.WithField("symbol", symbol).WithError(err).Debug("symbol skipped")
				return nil
			}
			mu.Lock()
			frames[symbol] = frame
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frames, nil
}

// tradingDates reads the calendar for the window, falling back to the union
// of loaded frame dates when the calendar table is empty.
func (s *SQLiteStore) tradingDates(ctx context.Context, start, end string, frames map[string]*types.DailyFrame) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM trading_calendar WHERE date >= ? AND date <= ? ORDER BY date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dates) > 0 {
		return dates, nil
	}

	seen := make(map[string]struct{})
	for _, frame := range frames {
		for _, d := range frame.Dates {
			seen[d] = struct{}{}
		}
	}
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// SaveFrame upserts all of a frame's bars. Used by ingest tooling and tests.
func (s *SQLiteStore) SaveFrame(ctx context.Context, frame *types.DailyFrame) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO daily_bars
		 (symbol, date, open, high, low, close, pre_close, volume, amount, suspended, indicators)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, date := range frame.Dates {
		bar := frame.Bars[date]
		suspended := 0
		if bar.Suspended {
			suspended = 1
		}
		var indicators interface{}
		if len(bar.Indicators) > 0 {
			data, err := json.Marshal(bar.Indicators)
			if err != nil {
				return fmt.Errorf("marshal indicators %s %s: %w", frame.Symbol, date, err)
			}
			indicators = string(data)
		}
		if _, err := stmt.ExecContext(ctx, frame.Symbol, date, bar.Open, bar.High, bar.Low,
			bar.Close, bar.PreClose, bar.Volume, bar.Amount, suspended, indicators); err != nil {
			return fmt.Errorf("insert bar %s %s: %w", frame.Symbol, date, err)
		}
	}
	return tx.Commit()
}

// SaveCalendar upserts trading dates.
func (s *SQLiteStore) SaveCalendar(ctx context.Context, dates []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range dates {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO trading_calendar (date) VALUES (?)`, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveUniverse replaces an index's member list.
func (s *SQLiteStore) SaveUniverse(ctx context.Context, indexCode string, symbols []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_members WHERE index_code = ?`, indexCode); err != nil {
		return err
	}
	for i, symbol := range symbols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_members (index_code, symbol, rank) VALUES (?, ?, ?)`,
			indexCode, symbol, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}
