package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimOpener produces a random-walk price stream for dev mode and tests.
type SimOpener struct {
	Instruments []string
	Interval    time.Duration // delay between ticks, default 250ms
	Seed        int64
}

var _ Opener = (*SimOpener)(nil)

func (o *SimOpener) Open(ctx context.Context) (Stream, error) {
	instruments := o.Instruments
	if len(instruments) == 0 {
		instruments = []string{"EUR_USD"}
	}
	interval := o.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	seed := o.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mids := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		mids[inst] = decimal.NewFromFloat(1.1000)
	}
	return &simStream{
		instruments: instruments,
		interval:    interval,
		rng:         rand.New(rand.NewSource(seed)),
		mids:        mids,
		spread:      decimal.NewFromFloat(0.0002),
	}, nil
}

type simStream struct {
	instruments []string
	interval    time.Duration
	spread      decimal.Decimal

	mu     sync.Mutex
	rng    *rand.Rand
	mids   map[string]decimal.Decimal
	next   int
	closed bool
}

func (s *simStream) Recv(ctx context.Context) (Price, error) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Price{}, ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Price{}, context.Canceled
	}
	inst := s.instruments[s.next%len(s.instruments)]
	s.next++
	step := decimal.NewFromFloat((s.rng.Float64() - 0.5) * 0.0004)
	mid := s.mids[inst].Add(step)
	s.mids[inst] = mid
	half := s.spread.Div(decimal.NewFromInt(2))
	return Price{
		Instrument: inst,
		Time:       time.Now().UTC(),
		Bid:        mid.Sub(half),
		Ask:        mid.Add(half),
	}, nil
}

func (s *simStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
