package audit

import (
	"inactive-user-deauth/internal/models"
)

// FilterAuthorized narrows query records to deauthorization candidates: only
// records in state AUTHORIZED are kept, in their input order. No live re-check
// happens here; staleness between query and apply is handled by the worker.
func FilterAuthorized(records []models.AuditUserRecord) []*models.DeauthorizationCandidate {
	work := make([]*models.DeauthorizationCandidate, 0, len(records))
	for _, rec := range records {
		if rec.State == models.StateAuthorized {
			work = append(work, models.NewCandidate(rec))
		}
	}
	return work
}
