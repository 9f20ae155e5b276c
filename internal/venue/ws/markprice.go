package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MarkPriceStream keeps the latest streamed mark price and funding rate per
// symbol. The risk gate prefers this over the polled mark when fresh.
type MarkPriceStream struct {
	client *Client
	log    *zap.Logger

	mu    sync.RWMutex
	marks map[string]Mark
}

type Mark struct {
	Price       float64
	FundingRate float64
	UpdatedAt   time.Time
}

func NewMarkPriceStream(client *Client, log *zap.Logger) *MarkPriceStream {
	return &MarkPriceStream{
		client: client,
		log:    log,
		marks:  make(map[string]Mark),
	}
}

func (s *MarkPriceStream) Start(ctx context.Context, symbols []string) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		streams = append(streams, strings.ToLower(symbol)+"@markPrice@1s")
	}
	if err := s.client.Subscribe(ctx, streams); err != nil {
		return err
	}
	go func() {
		if err := s.client.Run(ctx, s.handle); err != nil && ctx.Err() == nil && s.log != nil {
			s.log.Warn("mark price stream stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *MarkPriceStream) handle(raw json.RawMessage) {
	var event struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		Funding   string `json:"r"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return
	}
	if event.EventType != "markPriceUpdate" || event.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(event.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	funding, _ := strconv.ParseFloat(event.Funding, 64)
	s.mu.Lock()
	s.marks[event.Symbol] = Mark{
		Price:       price,
		FundingRate: funding,
		UpdatedAt:   time.UnixMilli(event.EventTime),
	}
	s.mu.Unlock()
}

// Mark returns the latest streamed mark for symbol, if any.
func (s *MarkPriceStream) Mark(symbol string) (Mark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.marks[symbol]
	return mark, ok
}
