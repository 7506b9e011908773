package store

import "hqms/token-service/internal/models"

var transitionMap = map[string][]string{
	"call":     {models.StatusPending},
	"complete": {models.StatusPending, models.StatusInProgress},
	"cancel":   {models.StatusPending, models.StatusInProgress},
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
