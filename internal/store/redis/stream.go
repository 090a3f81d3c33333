package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
	"github.com/redis/go-redis/v9"
)

// Stream publishes finished batch plans to a Redis stream consumed by the
// transaction submitter.
type Stream struct {
	client *redis.Client
	name   string
	maxLen int64
}

var _ store.ReportPublisher = (*Stream)(nil)

func NewStream(ctx context.Context, url, name string, maxLen int64) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewStreamWithClient(client, name, maxLen)
}

func NewStreamWithClient(client *redis.Client, name string, maxLen int64) (*Stream, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("stream name is required")
	}
	return &Stream{client: client, name: name, maxLen: maxLen}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Name() string {
	return s.name
}

// Publish appends a FINISHED report and returns the stream entry id.
func (s *Stream) Publish(ctx context.Context, report model.RunReport) (string, error) {
	if report.Outcome != model.RunOutcomeFinished {
		return "", fmt.Errorf("publish run %s: outcome %s is not publishable", report.ID, report.Outcome)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal run report: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.name,
		Values: map[string]any{
			"run_id":           report.ID.String(),
			"queue":            report.Queue,
			"network":          report.Network.String(),
			"batches":          joinIDs(report.Batches),
			"remaining_budget": report.RemainingBudget,
			"max_share_rate":   report.MaxShareRate,
			"max_timestamp":    strconv.FormatUint(report.MaxTimestamp, 10),
			"payload":          string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.name, err)
	}
	return id, nil
}

// DecodeEntry restores the report carried by a stream entry.
func DecodeEntry(msg redis.XMessage) (model.RunReport, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return model.RunReport{}, fmt.Errorf("stream entry %s has no payload", msg.ID)
	}
	var report model.RunReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return model.RunReport{}, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	return report, nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
