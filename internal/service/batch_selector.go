package service

import "github.com/noah-isme/sma-dismissal-api/internal/models"

// selectBatch picks the next call batch from waiting entries sorted by position.
// Family members travel together; a family that does not fit in a non-empty
// batch ends it, and a family larger than size is called alone and whole.
func selectBatch(waiting []models.QueueEntry, size int) []models.QueueEntry {
	if size <= 0 || len(waiting) == 0 {
		return nil
	}

	families := make(map[string][]models.QueueEntry)
	for _, entry := range waiting {
		if key := entry.FamilyKey(); key != "" {
			families[key] = append(families[key], entry)
		}
	}

	taken := make(map[string]bool, size)
	batch := make([]models.QueueEntry, 0, size)
	for _, entry := range waiting {
		if taken[entry.ID] {
			continue
		}
		unit := []models.QueueEntry{entry}
		if key := entry.FamilyKey(); key != "" {
			unit = families[key]
		}
		if len(batch) == 0 && len(unit) > size {
			return unit
		}
		if len(batch)+len(unit) > size {
			break
		}
		for _, member := range unit {
			taken[member.ID] = true
		}
		batch = append(batch, unit...)
		if len(batch) == size {
			break
		}
	}
	return batch
}
