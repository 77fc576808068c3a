package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OandaOpener streams prices from an OANDA-compatible pricing-stream
// endpoint (chunked HTTP, one JSON object per line).
type OandaOpener struct {
	BaseURL     string
	Token       string
	AccountID   string
	Instruments []string
	Client      *http.Client
}

var _ Opener = (*OandaOpener)(nil)

func (o *OandaOpener) Open(ctx context.Context) (Stream, error) {
	if o.Token == "" {
		return nil, fmt.Errorf("oanda: missing token")
	}
	if o.BaseURL == "" {
		return nil, fmt.Errorf("oanda: missing base url")
	}
	if o.AccountID == "" {
		return nil, fmt.Errorf("oanda: missing account id")
	}
	if len(o.Instruments) == 0 {
		return nil, fmt.Errorf("oanda: missing instruments")
	}
	endpoint := fmt.Sprintf("%s/v3/accounts/%s/pricing/stream", strings.TrimRight(o.BaseURL, "/"), o.AccountID)
	q := url.Values{}
	q.Set("instruments", strings.Join(o.Instruments, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.Token)
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("oanda: pricing stream returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	sc := bufio.NewScanner(resp.Body)
	// Stream messages can be long; bump the max token size.
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &oandaStream{body: resp.Body, sc: sc}, nil
}

type oandaStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

type pricingStreamMsg struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Instrument string `json:"instrument"`

	Bids []struct {
		Price string `json:"price"`
	} `json:"bids"`

	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

func (s *oandaStream) Recv(ctx context.Context) (Price, error) {
	for s.sc.Scan() {
		select {
		case <-ctx.Done():
			return Price{}, ctx.Err()
		default:
		}
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		var msg pricingStreamMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return Price{}, fmt.Errorf("oanda: bad json: %w", err)
		}
		if !strings.EqualFold(msg.Type, "PRICE") {
			// HEARTBEAT frames keep the connection alive; skip them.
			continue
		}
		if msg.Instrument == "" || len(msg.Bids) == 0 || len(msg.Asks) == 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			return Price{}, fmt.Errorf("oanda: bad timestamp %q: %w", msg.Time, err)
		}
		bid, err := decimal.NewFromString(msg.Bids[0].Price)
		if err != nil {
			return Price{}, fmt.Errorf("oanda: bad bid %q: %w", msg.Bids[0].Price, err)
		}
		ask, err := decimal.NewFromString(msg.Asks[0].Price)
		if err != nil {
			return Price{}, fmt.Errorf("oanda: bad ask %q: %w", msg.Asks[0].Price, err)
		}
		return Price{Instrument: msg.Instrument, Time: ts.UTC(), Bid: bid, Ask: ask}, nil
	}
	if err := s.sc.Err(); err != nil {
		return Price{}, err
	}
	return Price{}, io.EOF
}

func (s *oandaStream) Close() error {
	return s.body.Close()
}
