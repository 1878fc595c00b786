package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// ProfileKey is shared by every account: a fetched profile is a property of the subject.
func ProfileKey(subjectID string) string {
	return fmt.Sprintf("profile:%s", subjectID)
}

func ProgressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// ProgressChannel is the pub/sub channel progress events are relayed on.
const ProgressChannel = "progress:events"

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}

func QueueKey(queue, part string) string {
	return fmt.Sprintf("queue:%s:%s", queue, part)
}
