package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/helmsbot/helmsbot/model"
)

var ErrInsufficientData = errors.New("insufficient data")

// PairFeed binds one symbol to a CSV history file. Columns are
// time,open,close,low,high,volume with a unix-seconds timestamp; a header
// row is optional.
type PairFeed struct {
	Pair      string
	File      string
	Timeframe string
}

// CSVFeed replays candle history from files, resampled to a target
// timeframe. It serves development runs and strategy experiments where no
// exchange connection exists.
type CSVFeed struct {
	Feeds               map[string]PairFeed
	CandlePairTimeFrame map[string][]model.Candle
}

// NewCSVFeed loads every feed file and resamples it to targetTimeframe.
func NewCSVFeed(targetTimeframe string, feeds ...PairFeed) (*CSVFeed, error) {
	csvFeed := &CSVFeed{
		Feeds:               make(map[string]PairFeed),
		CandlePairTimeFrame: make(map[string][]model.Candle),
	}

	for _, feed := range feeds {
		csvFeed.Feeds[feed.Pair] = feed

		candles, err := loadCandles(feed)
		if err != nil {
			return nil, fmt.Errorf("csvfeed: %s: %w", feed.File, err)
		}

		csvFeed.CandlePairTimeFrame[feedTimeframeKey(feed.Pair, feed.Timeframe)] = candles
		if err := csvFeed.resample(feed.Pair, feed.Timeframe, targetTimeframe); err != nil {
			return nil, err
		}
	}

	return csvFeed, nil
}

func loadCandles(feed PairFeed) ([]model.Candle, error) {
	file, err := os.Open(feed.File)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lines, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrInsufficientData
	}

	// A non-numeric first cell is a header row.
	if _, err := strconv.Atoi(lines[0][0]); err != nil {
		lines = lines[1:]
	}

	candles := make([]model.Candle, 0, len(lines))
	for _, line := range lines {
		if len(line) < 6 {
			return nil, fmt.Errorf("short row, want 6 columns got %d", len(line))
		}
		timestamp, err := strconv.Atoi(line[0])
		if err != nil {
			return nil, err
		}

		candle := model.Candle{
			Pair:      feed.Pair,
			Time:      time.Unix(int64(timestamp), 0).UTC(),
			UpdatedAt: time.Unix(int64(timestamp), 0).UTC(),
			Complete:  true,
		}
		fields := []*float64{&candle.Open, &candle.Close, &candle.Low, &candle.High, &candle.Volume}
		for i, field := range fields {
			if *field, err = strconv.ParseFloat(line[i+1], 64); err != nil {
				return nil, err
			}
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func feedTimeframeKey(pair, timeframe string) string {
	return fmt.Sprintf("%s--%s", pair, timeframe)
}

// Limit trims every series to the trailing duration, measured back from
// each series' newest bar.
func (c *CSVFeed) Limit(duration time.Duration) *CSVFeed {
	for key, candles := range c.CandlePairTimeFrame {
		if len(candles) == 0 {
			continue
		}
		start := candles[len(candles)-1].Time.Add(-duration)
		c.CandlePairTimeFrame[key] = lo.Filter(candles, func(candle model.Candle, _ int) bool {
			return candle.Time.After(start)
		})
	}
	return c
}

// isFirstCandlePeriod reports whether t opens a target-timeframe bucket.
func isFirstCandlePeriod(t time.Time, fromTimeframe, targetTimeframe string) (bool, error) {
	fromDuration, err := str2duration.ParseDuration(fromTimeframe)
	if err != nil {
		return false, err
	}
	prev := t.Add(-fromDuration).UTC()
	return isLastCandlePeriod(prev, fromTimeframe, targetTimeframe)
}

// isLastCandlePeriod reports whether t closes a target-timeframe bucket.
func isLastCandlePeriod(t time.Time, fromTimeframe, targetTimeframe string) (bool, error) {
	if fromTimeframe == targetTimeframe {
		return true, nil
	}

	fromDuration, err := str2duration.ParseDuration(fromTimeframe)
	if err != nil {
		return false, err
	}
	next := t.Add(fromDuration).UTC()

	switch targetTimeframe {
	case "1m":
		return next.Second()%60 == 0, nil
	case "5m":
		return next.Minute()%5 == 0, nil
	case "10m":
		return next.Minute()%10 == 0, nil
	case "15m":
		return next.Minute()%15 == 0, nil
	case "30m":
		return next.Minute()%30 == 0, nil
	case "1h":
		return next.Minute()%60 == 0, nil
	case "2h":
		return next.Minute() == 0 && next.Hour()%2 == 0, nil
	case "4h":
		return next.Minute() == 0 && next.Hour()%4 == 0, nil
	case "12h":
		return next.Minute() == 0 && next.Hour()%12 == 0, nil
	case "1d":
		return next.Minute() == 0 && next.Hour()%24 == 0, nil
	case "1w":
		return next.Minute() == 0 && next.Hour()%24 == 0 && next.Weekday() == time.Sunday, nil
	}

	return false, fmt.Errorf("invalid timeframe: %s", targetTimeframe)
}

// resample merges source bars into target-timeframe bars: open from the
// first bar, close from the last, high/low extremes, summed volume. A
// trailing incomplete bucket is dropped.
func (c *CSVFeed) resample(pair, sourceTimeframe, targetTimeframe string) error {
	sourceKey := feedTimeframeKey(pair, sourceTimeframe)
	targetKey := feedTimeframeKey(pair, targetTimeframe)

	source := c.CandlePairTimeFrame[sourceKey]

	var i int
	for ; i < len(source); i++ {
		ok, err := isFirstCandlePeriod(source[i].Time, sourceTimeframe, targetTimeframe)
		if err != nil {
			return err
		}
		if ok {
			break
		}
	}

	candles := make([]model.Candle, 0)
	for ; i < len(source); i++ {
		candle := source[i]
		last, err := isLastCandlePeriod(candle.Time, sourceTimeframe, targetTimeframe)
		if err != nil {
			return err
		}
		candle.Complete = last

		lastIndex := len(candles) - 1
		if lastIndex >= 0 && !candles[lastIndex].Complete {
			candle.Time = candles[lastIndex].Time
			candle.Open = candles[lastIndex].Open
			candle.High = math.Max(candles[lastIndex].High, candle.High)
			candle.Low = math.Min(candles[lastIndex].Low, candle.Low)
			candle.Volume += candles[lastIndex].Volume
		}
		candles = append(candles, candle)
	}

	if len(candles) > 0 && !candles[len(candles)-1].Complete {
		candles = candles[:len(candles)-1]
	}

	c.CandlePairTimeFrame[targetKey] = candles
	return nil
}

// AssetsInfo reports permissive trading filters; file data carries no
// exchange constraints.
func (c *CSVFeed) AssetsInfo(_ context.Context, symbol string) (model.AssetInfo, error) {
	asset, quote := SplitAssetQuote(symbol)
	return model.AssetInfo{
		BaseAsset:          asset,
		QuoteAsset:         quote,
		MaxPrice:           math.MaxFloat64,
		MaxQuantity:        math.MaxFloat64,
		StepSize:           0.00000001,
		TickSize:           0.00000001,
		QuotePrecision:     8,
		BaseAssetPrecision: 8,
	}, nil
}

// LastQuote returns the newest loaded close for the symbol.
func (c *CSVFeed) LastQuote(_ context.Context, symbol string) (float64, error) {
	for key, candles := range c.CandlePairTimeFrame {
		if strings.HasPrefix(key, symbol+"--") && len(candles) > 0 {
			return candles[len(candles)-1].Close, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInsufficientData, symbol)
}

func (c *CSVFeed) CandlesByPeriod(_ context.Context, pair, timeframe string,
	start, end time.Time) ([]model.Candle, error) {

	key := feedTimeframeKey(pair, timeframe)
	candles := make([]model.Candle, 0)
	for _, candle := range c.CandlePairTimeFrame[key] {
		if candle.Time.Before(start) || candle.Time.After(end) {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// CandlesByLimit pops the first limit bars off the series, so warmup reads
// and the later subscription never overlap.
func (c *CSVFeed) CandlesByLimit(_ context.Context, pair, timeframe string, limit int) ([]model.Candle, error) {
	var result []model.Candle
	key := feedTimeframeKey(pair, timeframe)
	if len(c.CandlePairTimeFrame[key]) < limit {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientData, pair)
	}
	result, c.CandlePairTimeFrame[key] = c.CandlePairTimeFrame[key][:limit], c.CandlePairTimeFrame[key][limit:]
	return result, nil
}

// CandlesSubscription replays the remaining bars and closes both channels.
func (c *CSVFeed) CandlesSubscription(_ context.Context, pair, timeframe string) (chan model.Candle, chan error) {
	ccandle := make(chan model.Candle)
	cerr := make(chan error)
	key := feedTimeframeKey(pair, timeframe)

	go func() {
		for _, candle := range c.CandlePairTimeFrame[key] {
			ccandle <- candle
		}
		close(ccandle)
		close(cerr)
	}()

	return ccandle, cerr
}
