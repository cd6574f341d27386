package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

// ScheduleChangeEvent announces that someone else edited a worker's day on
// the backend and local caches for it are stale.
type ScheduleChangeEvent struct {
	CompanyID string   `json:"companyId"`
	Date      string   `json:"date"` // YYYY-MM-DD
	WorkerIDs []string `json:"workerIds"`
}

// DayLoader is the part of the synchronizer the processor drives.
type DayLoader interface {
	LoadDay(ctx context.Context, date string, workerIDs []string, forceRemote bool) error
}

// ScheduleProcessor refreshes the local view whenever the backend announces
// a schedule change. Events for other companies are acknowledged and
// dropped.
type ScheduleProcessor struct {
	loader    DayLoader
	companyID string
}

func NewScheduleProcessor(loader DayLoader, companyID string) *ScheduleProcessor {
	return &ScheduleProcessor{loader: loader, companyID: companyID}
}

// Process reloads the named workers' day from the backend. A failed reload
// is retried with exponential backoff; duplicate deliveries are harmless
// because the reload mirrors authoritative state rather than replaying an
// edit.
func (p *ScheduleProcessor) Process(ctx context.Context, msg types.Message) (bool, int32, error) {
	var event ScheduleChangeEvent
	if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("malformed schedule event")
		return false, 0, err // Do not retry on malformed message
	}

	if event.CompanyID != p.companyID {
		return false, 0, nil
	}
	if event.Date == "" || len(event.WorkerIDs) == 0 {
		return false, 0, fmt.Errorf("schedule event missing date or workers")
	}

	if err := p.loader.LoadDay(ctx, event.Date, event.WorkerIDs, true); err != nil {
		return true, calculateBackoff(receiveCount(msg)), fmt.Errorf("failed to refresh day: %w", err)
	}

	log.Ctx(ctx).Info().Str("date", event.Date).Int("workers", len(event.WorkerIDs)).
		Msg("schedule change applied")
	return false, 0, nil
}

func receiveCount(msg types.Message) int {
	if v, ok := msg.Attributes["ApproximateReceiveCount"]; ok {
		n := 0
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 1
}

// calculateBackoff determines how long to wait before retrying a failed job.
// It increases the delay exponentially with each retry.
func calculateBackoff(retryCount int) int32 {
	backoff := int32(math.Pow(2, float64(retryCount)) * 10)
	if backoff > 3600 {
		return 3600 // max at 1 hour
	}
	return backoff
}
