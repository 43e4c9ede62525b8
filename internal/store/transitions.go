package store

import "qms/walkin-queue/internal/models"

var transitionMap = map[string][]string{
	models.StatusCalled:    {models.StatusWaiting},
	models.StatusCompleted: {models.StatusCalled},
	models.StatusCancelled: {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(fromStatus, toStatus string) bool {
	allowed, ok := transitionMap[toStatus]
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

// Overtaken reports whether an entry in status has already reached toStatus
// or moved on from where toStatus starts. A request for toStatus against such
// an entry was decided on an older view of it.
func Overtaken(status, toStatus string) bool {
	sources, ok := transitionMap[toStatus]
	if !ok {
		return false
	}
	if status == toStatus {
		return true
	}
	for _, source := range sources {
		if ValidTransition(source, status) {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusCancelled
}
