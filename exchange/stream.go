package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"

	"github.com/helmsbot/helmsbot/model"
	"github.com/helmsbot/helmsbot/tools/log"
)

// streamKey identifies one exchange stream, symbol@timeframe.
type streamKey struct {
	symbol    string
	timeframe string
}

type stream struct {
	cancel      context.CancelFunc
	subscribers []chan model.Candle
	errs        []chan error
}

// StreamManager multiplexes one WebSocket kline stream per symbol@timeframe
// to any number of in-process subscribers. A dropped connection is retried
// with exponential backoff and the stream resumes on the same key, so
// subscriber channels survive reconnects.
type StreamManager struct {
	mu      sync.Mutex
	streams map[streamKey]*stream
	cache   *PriceCache
}

// NewStreamManager creates a manager that mirrors live ticks into cache.
func NewStreamManager(cache *PriceCache) *StreamManager {
	return &StreamManager{
		streams: make(map[streamKey]*stream),
		cache:   cache,
	}
}

// Subscribe attaches to the stream for symbol@timeframe, starting it when
// this is the first interest. Candles fan out to every subscriber.
func (m *StreamManager) Subscribe(ctx context.Context, symbol, timeframe string) (chan model.Candle, chan error) {
	ccandle := make(chan model.Candle, 64)
	cerr := make(chan error, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey{symbol: symbol, timeframe: timeframe}
	if s, ok := m.streams[key]; ok {
		s.subscribers = append(s.subscribers, ccandle)
		s.errs = append(s.errs, cerr)
		return ccandle, cerr
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		cancel:      cancel,
		subscribers: []chan model.Candle{ccandle},
		errs:        []chan error{cerr},
	}
	m.streams[key] = s

	go m.run(streamCtx, key)
	return ccandle, cerr
}

// Count returns the number of live streams.
func (m *StreamManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close stops every stream and closes all subscriber channels.
func (m *StreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.streams {
		s.cancel()
		for _, ch := range s.subscribers {
			close(ch)
		}
		for _, ch := range s.errs {
			close(ch)
		}
		delete(m.streams, key)
	}
}

func (m *StreamManager) run(ctx context.Context, key streamKey) {
	wire := FormatSymbol(key.symbol)
	ba := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}

	for {
		done, stop, err := binance.WsKlineServe(wire, key.timeframe, func(event *binance.WsKlineEvent) {
			ba.Reset()
			candle := candleFromWsKline(key.symbol, event.Kline)
			if !candle.Valid() {
				return
			}
			if m.cache != nil {
				m.cache.PutWS(key.symbol, key.timeframe, 1, []model.Candle{candle})
			}
			m.fanOut(key, candle)
		}, func(err error) {
			m.fanOutErr(key, err)
		})
		if err != nil {
			m.fanOutErr(key, err)
		}

		if done == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ba.Duration()):
				continue
			}
		}

		select {
		case <-ctx.Done():
			if stop != nil {
				close(stop)
			}
			return
		case <-done:
			wait := ba.Duration()
			log.WithFields(log.Fields{
				"symbol":    key.symbol,
				"timeframe": key.timeframe,
				"backoff":   wait,
			}).Warn("exchange: stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

func (m *StreamManager) fanOut(key streamKey, candle model.Candle) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	subscribers := make([]chan model.Candle, len(s.subscribers))
	copy(subscribers, s.subscribers)
	m.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- candle:
		default:
			log.WithField("symbol", key.symbol).Warn("exchange: slow candle subscriber, dropping tick")
		}
	}
}

func (m *StreamManager) fanOutErr(key streamKey, err error) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	errs := make([]chan error, len(s.errs))
	copy(errs, s.errs)
	m.mu.Unlock()

	for _, ch := range errs {
		select {
		case ch <- err:
		default:
		}
	}
}
