package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func TaskStateKey(invocationID string) string {
	return fmt.Sprintf("task:state:%s", invocationID)
}

func TaskProgressKey(invocationID string) string {
	return fmt.Sprintf("task:progress:%s", invocationID)
}

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func CheckpointKey(jobID uuid.UUID) string {
	return fmt.Sprintf("checkpoint:%s", jobID)
}

func RateLimitKey(owner string) string {
	return fmt.Sprintf("ratelimit:%s", owner)
}

func ProviderKeyKey(jobID uuid.UUID) string {
	return fmt.Sprintf("provider:key:%s", jobID)
}
