package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"lumibot-session/internal/deviceid"
)

// SubscribeToDevices polls the roster and delivers a full snapshot on
// every change. The first successful poll always delivers, so a new
// subscriber sees the current roster promptly.
func (s *DynamoStore) SubscribeToDevices(userID string, fn func([]Document)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go s.poll(ctx, func(ctx context.Context) (string, func(), error) {
		docs, err := s.ListDevices(ctx, userID)
		if err != nil {
			return "", nil, err
		}
		return digest(docs), func() { fn(docs) }, nil
	})
	return cancel
}

// SubscribeToDevice polls one device document. Deletion is delivered
// once as a nil document.
func (s *DynamoStore) SubscribeToDevice(userID, id string, fn func(*Document)) func() {
	norm, err := deviceid.Normalize(id)
	if err != nil {
		s.logger.Warn("refusing device subscription for invalid id", "id", id)
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.poll(ctx, func(ctx context.Context) (string, func(), error) {
		doc, err := s.GetDevice(ctx, userID, norm)
		if errors.Is(err, ErrNotFound) {
			return "gone", func() { fn(nil) }, nil
		}
		if err != nil {
			return "", nil, err
		}
		return digest(doc), func() { fn(doc) }, nil
	})
	return cancel
}

// poll runs fetch on the configured interval and invokes the returned
// deliver func whenever the snapshot digest changes. Fetch errors are
// logged and retried on the next tick; the last good snapshot stands.
func (s *DynamoStore) poll(ctx context.Context, fetch func(context.Context) (string, func(), error)) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last string
	for {
		dig, deliver, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("snapshot poll failed", "err", err)
		} else if dig != last {
			last = dig
			deliver()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// digest summarizes a snapshot for change detection.
func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
