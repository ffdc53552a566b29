// Package market holds the tick data model, the CSV loaders, and the
// broadcast controller that streams loaded data onto the bus.
package market

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FallbackSymbol is used when the data directory yields nothing and the
// single configured data file is loaded instead.
const FallbackSymbol = "NIFTY"

// ErrNoValidRecords means a file parsed to zero usable rows.
var ErrNoValidRecords = errors.New("no valid records in file")

// TickRecord is one OHLCV row.
type TickRecord struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
}

// StockMessage is the wire envelope published for each tick.
type StockMessage struct {
	Symbol    string     `json:"symbol"`
	Data      TickRecord `json:"data"`
	Timestamp string     `json:"timestamp"`
}

func NewStockMessage(symbol string, data TickRecord) StockMessage {
	return StockMessage{
		Symbol:    symbol,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func parseTickLine(line string, lineNum int) (TickRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 6 {
		return TickRecord{}, fmt.Errorf("line %d: expected 6 fields, got %d", lineNum, len(fields))
	}

	var rec TickRecord
	rec.Date = fields[0]

	var err error
	if rec.Open, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return TickRecord{}, fmt.Errorf("line %d: invalid open price: %w", lineNum, err)
	}
	if rec.High, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return TickRecord{}, fmt.Errorf("line %d: invalid high price: %w", lineNum, err)
	}
	if rec.Low, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return TickRecord{}, fmt.Errorf("line %d: invalid low price: %w", lineNum, err)
	}
	if rec.Close, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return TickRecord{}, fmt.Errorf("line %d: invalid close price: %w", lineNum, err)
	}
	if rec.Volume, err = strconv.ParseUint(fields[5], 10, 64); err != nil {
		return TickRecord{}, fmt.Errorf("line %d: invalid volume: %w", lineNum, err)
	}
	return rec, nil
}

// Loader reads headerless date,open,high,low,close,volume CSV files.
type Loader struct {
	log zerolog.Logger
}

func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log.With().Str("component", "loader").Logger()}
}

// LoadFile parses one CSV file. Blank lines are skipped; malformed rows
// are logged and skipped. A file where every row is malformed is an
// error.
func (l *Loader) LoadFile(path string) ([]TickRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var records []TickRecord
	badRows := 0

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseTickLine(line, lineNum)
		if err != nil {
			l.log.Error().Str("file", path).Err(err).Msg("skipping malformed row")
			badRows++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if len(records) == 0 && badRows > 0 {
		return nil, fmt.Errorf("%w: %s (%d malformed rows)", ErrNoValidRecords, path, badRows)
	}
	if badRows > 0 {
		l.log.Warn().
			Str("file", path).
			Int("records", len(records)).
			Int("errors", badRows).
			Msg("loaded with errors")
	} else {
		l.log.Info().
			Str("file", path).
			Int("records", len(records)).
			Msg("loaded tick data")
	}
	return records, nil
}

// LoadDirectory loads every *.csv in dir, keyed by the upper-cased file
// stem. Files that fail to load are logged and skipped.
func (l *Loader) LoadDirectory(dir string) (map[string][]TickRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", dir, err)
	}

	data := make(map[string][]TickRecord)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		records, err := l.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			l.log.Error().Str("symbol", symbol).Err(err).Msg("failed to load symbol data")
			continue
		}
		data[symbol] = records
	}
	l.log.Info().Int("symbols", len(data)).Msg("loaded data directory")
	return data, nil
}

// LoadSources loads the data directory, falling back to fallbackFile as
// the single FallbackSymbol source when the directory is missing or
// yields no symbols.
func (l *Loader) LoadSources(dir, fallbackFile string) (map[string][]TickRecord, error) {
	data, err := l.LoadDirectory(dir)
	if err != nil {
		l.log.Warn().Str("dir", dir).Err(err).Msg("data dir unavailable, using fallback file")
	}
	if len(data) > 0 {
		return data, nil
	}

	records, err := l.LoadFile(fallbackFile)
	if err != nil {
		return nil, err
	}
	return map[string][]TickRecord{FallbackSymbol: records}, nil
}
