package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// transcriptPayload is the JSON form of a transcript message. Plain
// text payloads are accepted as well.
type transcriptPayload struct {
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	// Source names the satellite; it is only logged.
	Source string `json:"source,omitempty"`
}

// parseTranscript extracts the transcript text from payload. It
// returns false for empty payloads and for JSON objects carrying no
// text.
func parseTranscript(payload []byte) (text, source string, ok bool) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "", "", false
	}
	if strings.HasPrefix(s, "{") {
		var p transcriptPayload
		if err := json.Unmarshal([]byte(s), &p); err == nil {
			text = strings.TrimSpace(p.Text)
			if text == "" {
				text = strings.TrimSpace(p.Transcript)
			}
			return text, p.Source, text != ""
		}
	}
	return s, "", true
}

// parseSwitch reads an on/off control payload.
func parseSwitch(payload []byte) (on, ok bool) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on", "true", "1", "start":
		return true, true
	case "off", "false", "0", "stop":
		return false, true
	}
	return false, false
}

// messageRateLimiter drops inbound transcripts above a fixed number per
// interval. Counters are atomic so allow stays lock-free on the paho
// receive path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled, and
// reports drops from the interval just ended.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt transcripts dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
