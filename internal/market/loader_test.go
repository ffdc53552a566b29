package market

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `2024-01-01,100.5,105.2,99.8,104.1,1000000
2024-01-02,104.1,106.0,103.5,105.5,1200000
2024-01-03,105.5,107.8,105.0,107.2,900000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	path := writeFile(t, t.TempDir(), "NIFTY.csv", sampleCSV)

	records, err := l.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "2024-01-01", records[0].Date)
	assert.Equal(t, 100.5, records[0].Open)
	assert.Equal(t, 105.2, records[0].High)
	assert.Equal(t, 99.8, records[0].Low)
	assert.Equal(t, 104.1, records[0].Close)
	assert.Equal(t, uint64(1000000), records[0].Volume)
}

func TestLoadFileSkipsBlankAndMalformedRows(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	content := "2024-01-01,100,101,99,100.5,500\n" +
		"\n" +
		"not,enough,fields\n" +
		"2024-01-02,bad,101,99,100.5,500\n" +
		"2024-01-03,100,101,99,100.5,abc\n" +
		"2024-01-04,101,102,100,101.5,600\n"
	path := writeFile(t, t.TempDir(), "NIFTY.csv", content)

	records, err := l.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-01-01", records[0].Date)
	assert.Equal(t, "2024-01-04", records[1].Date)
}

func TestLoadFileAllRowsMalformed(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	path := writeFile(t, t.TempDir(), "NIFTY.csv", "garbage\nmore,garbage\n")

	_, err := l.LoadFile(path)
	assert.ErrorIs(t, err, ErrNoValidRecords)
}

func TestLoadFileMissing(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	_, err := l.LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, dir, "nifty.csv", sampleCSV)
	writeFile(t, dir, "BANKNIFTY.csv", sampleCSV)
	writeFile(t, dir, "notes.txt", "ignored")

	data, err := l.LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Contains(t, data, "NIFTY")
	assert.Contains(t, data, "BANKNIFTY")
	assert.Len(t, data["NIFTY"], 3)
}

func TestLoadDirectorySkipsBadFiles(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, dir, "GOOD.csv", sampleCSV)
	writeFile(t, dir, "BAD.csv", "completely\nbroken\n")

	data, err := l.LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Contains(t, data, "GOOD")
}

func TestLoadSourcesFallsBackToSingleFile(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	fallback := writeFile(t, t.TempDir(), "NIFTY.csv", sampleCSV)

	data, err := l.LoadSources(filepath.Join(t.TempDir(), "no-such-dir"), fallback)
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Len(t, data[FallbackSymbol], 3)
}

func TestLoadSourcesEmptyDirFallsBack(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	fallback := writeFile(t, t.TempDir(), "NIFTY.csv", sampleCSV)

	data, err := l.LoadSources(t.TempDir(), fallback)
	require.NoError(t, err)
	require.Contains(t, data, FallbackSymbol)
}

func TestLoadSourcesFallbackMissingFails(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	_, err := l.LoadSources(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestStockMessageWireFormat(t *testing.T) {
	msg := NewStockMessage("NIFTY", TickRecord{
		Date: "2024-01-01", Open: 100.5, High: 105.2, Low: 99.8, Close: 104.1, Volume: 1000000,
	})

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded StockMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, msg, decoded)

	_, err = time.Parse(time.RFC3339, decoded.Timestamp)
	assert.NoError(t, err)
}
