// Package instruments parses the exchange instrument dump and serves
// instrument lookups: by (expiry, strike, type), by trading symbol, and by
// exchange token. The dump is the authoritative source for tradable strikes
// and listed expiries; nothing else in the bot constructs instruments.
package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kmenon/nifty_straddler/internal/expiry"
	"github.com/kmenon/nifty_straddler/internal/models"
)

// ErrInstrumentNotFound is returned when no listed contract matches a query.
var ErrInstrumentNotFound = errors.New("instruments: not found")

// Cache is an immutable in-memory index over one underlying's option chain.
type Cache struct {
	underlying string
	byKey      map[models.InstrumentKey]models.Instrument
	bySymbol   map[string]models.Instrument
	byToken    map[uint32]models.Instrument
	calendar   expiry.Calendar
}

// Parse builds a cache from raw dump CSV, keeping only the given underlying's
// option contracts. Expiry dates are interpreted in loc (nil means UTC).
func Parse(data []byte, underlying string, loc *time.Location) (*Cache, error) {
	if loc == nil {
		loc = time.UTC
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading dump header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "instrument_type", "lot_size", "tick_size", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("dump is missing column %q", required)
		}
	}

	c := &Cache{
		underlying: underlying,
		byKey:      make(map[models.InstrumentKey]models.Instrument),
		bySymbol:   make(map[string]models.Instrument),
		byToken:    make(map[uint32]models.Instrument),
	}
	var expiries []time.Time

	field := func(rec []string, name string) string {
		i := col[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading dump row: %w", err)
		}
		if field(rec, "name") != underlying {
			continue
		}
		ot := models.OptionType(field(rec, "instrument_type"))
		if !ot.Valid() {
			continue // futures and the underlying itself
		}

		exp, err := time.ParseInLocation("2006-01-02", field(rec, "expiry"), loc)
		if err != nil {
			continue
		}
		strikeF, err := strconv.ParseFloat(field(rec, "strike"), 64)
		if err != nil || strikeF <= 0 {
			continue
		}
		token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		if err != nil {
			continue
		}
		lotSize, err := strconv.Atoi(field(rec, "lot_size"))
		if err != nil || lotSize <= 0 {
			continue
		}
		tickSize, err := strconv.ParseFloat(field(rec, "tick_size"), 64)
		if err != nil {
			continue
		}

		inst := models.Instrument{
			Underlying: underlying,
			Exchange:   field(rec, "exchange"),
			Symbol:     field(rec, "tradingsymbol"),
			Token:      uint32(token),
			Expiry:     exp,
			Strike:     int(strikeF),
			OptionType: ot,
			LotSize:    lotSize,
			TickSize:   tickSize,
		}
		c.byKey[inst.Key()] = inst
		c.bySymbol[inst.Symbol] = inst
		c.byToken[inst.Token] = inst
		expiries = append(expiries, exp)
	}

	if len(c.byKey) == 0 {
		return nil, fmt.Errorf("dump carried no %s option contracts", underlying)
	}
	c.calendar = expiry.NewCalendar(expiries, loc)
	return c, nil
}

// Len returns the number of indexed contracts.
func (c *Cache) Len() int { return len(c.byKey) }

// Lookup returns the contract at (expiry, strike, type).
func (c *Cache) Lookup(exp time.Time, strike int, ot models.OptionType) (models.Instrument, error) {
	inst, ok := c.byKey[models.NewInstrumentKey(exp, strike, ot)]
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %s %s %d%s",
			ErrInstrumentNotFound, c.underlying, exp.Format("2006-01-02"), strike, ot)
	}
	return inst, nil
}

// BySymbol returns the contract with the given trading symbol.
func (c *Cache) BySymbol(symbol string) (models.Instrument, error) {
	inst, ok := c.bySymbol[symbol]
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: symbol %s", ErrInstrumentNotFound, symbol)
	}
	return inst, nil
}

// ByToken returns the contract with the given exchange token.
func (c *Cache) ByToken(token uint32) (models.Instrument, bool) {
	inst, ok := c.byToken[token]
	return inst, ok
}

// Calendar returns the listed-expiry calendar for the underlying.
func (c *Cache) Calendar() expiry.Calendar { return c.calendar }

// Dumper downloads the raw instrument CSV. The broker gateway satisfies this.
type Dumper interface {
	InstrumentsDump(ctx context.Context) ([]byte, error)
}

// Ensure returns a cache for the underlying, downloading a fresh dump only
// when the on-disk copy is missing or from a previous day. The exchange
// republishes the dump each morning, so a same-day file is current.
func Ensure(ctx context.Context, d Dumper, path, underlying string, loc *time.Location, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.Default()
	}
	if loc == nil {
		loc = time.UTC
	}

	if data, ok := readFresh(path, loc); ok {
		cache, err := Parse(data, underlying, loc)
		if err == nil {
			logger.Printf("Loaded %d %s contracts from cached dump %s", cache.Len(), underlying, path)
			return cache, nil
		}
		logger.Printf("Warning: cached dump %s unusable (%v), downloading", path, err)
	}

	data, err := d.InstrumentsDump(ctx)
	if err != nil {
		return nil, fmt.Errorf("downloading instrument dump: %w", err)
	}
	cache, err := Parse(data, underlying, loc)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, data); err != nil {
		logger.Printf("Warning: caching instrument dump: %v", err)
	}
	logger.Printf("Downloaded instrument dump: %d %s contracts", cache.Len(), underlying)
	return cache, nil
}

// readFresh returns the cached dump if it was written today in loc.
func readFresh(path string, loc *time.Location) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	y1, m1, d1 := info.ModTime().In(loc).Date()
	y2, m2, d2 := time.Now().In(loc).Date()
	if y1 != y2 || m1 != m2 || d1 != d2 {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".instruments-*.csv")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
