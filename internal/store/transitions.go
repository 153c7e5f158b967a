package store

import "qflow/internal/models"

var transitionMap = map[string][]string{
	"call_next":    {models.StatusPending},
	"done":         {models.StatusPending, models.StatusServing},
	"skipped":      {models.StatusPending, models.StatusServing},
	"guest_cancel": {models.StatusPending, models.StatusServing},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
