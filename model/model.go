package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// symbolPattern matches the canonical BASE/QUOTE trading symbol form.
var symbolPattern = regexp.MustCompile(`^[A-Z]{3,10}/[A-Z]{3,10}$`)

// ValidSymbol reports whether the symbol has the canonical BASE/QUOTE form.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// TelegramSettings holds operator notification settings.
type TelegramSettings struct {
	Enabled bool
	Token   string
	Users   []int
}

// Settings holds the runtime settings shared across the engine.
type Settings struct {
	Pairs    []string
	Telegram TelegramSettings
}

// Balance is the exchange-side balance of a single currency.
type Balance struct {
	Asset string
	Free  float64
	Used  float64
	Total float64
}

// AssetInfo describes exchange trading filters for one pair.
type AssetInfo struct {
	BaseAsset  string
	QuoteAsset string

	MinPrice    float64
	MaxPrice    float64
	MinQuantity float64
	MaxQuantity float64
	StepSize    float64
	TickSize    float64

	QuotePrecision     int
	BaseAssetPrecision int
}

// Candle is one OHLCV bar.
type Candle struct {
	Pair      string
	Time      time.Time
	UpdatedAt time.Time
	Open      float64
	Close     float64
	Low       float64
	High      float64
	Volume    float64
	Complete  bool
}

// Empty reports whether the candle carries no data.
func (c Candle) Empty() bool {
	return c.Pair == "" && c.Close == 0 && c.Open == 0 && c.Volume == 0
}

// Valid reports whether the candle is usable by strategies. Bars with a
// non-positive close or negative components are dropped at the connector.
func (c Candle) Valid() bool {
	return c.Close > 0 && c.Open >= 0 && c.High >= 0 && c.Low >= 0 && c.Volume >= 0
}

// ToSlice renders the candle as strings, used for logs and reports.
func (c Candle) ToSlice(precision int) []string {
	return []string{
		fmt.Sprintf("%d", c.Time.Unix()),
		strconv.FormatFloat(c.Open, 'f', precision, 64),
		strconv.FormatFloat(c.Close, 'f', precision, 64),
		strconv.FormatFloat(c.Low, 'f', precision, 64),
		strconv.FormatFloat(c.High, 'f', precision, 64),
		strconv.FormatFloat(c.Volume, 'f', precision, 64),
	}
}

// Dataframe is a column-oriented view of a pair's candle history plus any
// derived indicator columns under Metadata.
type Dataframe struct {
	Pair string

	Close  Series[float64]
	Open   Series[float64]
	High   Series[float64]
	Low    Series[float64]
	Volume Series[float64]

	Time       []time.Time
	LastUpdate time.Time

	Metadata map[string]Series[float64]
}

// Sample returns a dataframe holding the most recent positions entries.
func (df Dataframe) Sample(positions int) Dataframe {
	size := len(df.Time)
	start := size - positions
	if start <= 0 {
		return df
	}

	sample := Dataframe{
		Pair:       df.Pair,
		Close:      df.Close.LastValues(positions),
		Open:       df.Open.LastValues(positions),
		High:       df.High.LastValues(positions),
		Low:        df.Low.LastValues(positions),
		Volume:     df.Volume.LastValues(positions),
		Time:       df.Time[start:],
		LastUpdate: df.LastUpdate,
		Metadata:   make(map[string]Series[float64]),
	}

	for key := range df.Metadata {
		sample.Metadata[key] = df.Metadata[key].LastValues(positions)
	}

	return sample
}

// Account is the exchange account snapshot.
type Account struct {
	Balances []Balance
}

// Balance returns the balances of the given base and quote assets.
func (a Account) Balance(assetTick, quoteTick string) (Balance, Balance) {
	var assetBalance, quoteBalance Balance
	var isSetAsset, isSetQuote bool

	for _, balance := range a.Balances {
		switch balance.Asset {
		case assetTick:
			assetBalance = balance
			isSetAsset = true
		case quoteTick:
			quoteBalance = balance
			isSetQuote = true
		}

		if isSetAsset && isSetQuote {
			break
		}
	}

	return assetBalance, quoteBalance
}

// Equity returns the total balance across all assets.
func (a Account) Equity() float64 {
	var total float64
	for _, balance := range a.Balances {
		total += balance.Free
		total += balance.Used
	}
	return total
}
