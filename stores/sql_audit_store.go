package stores

import (
	"context"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/gatekeeper"
)

// SQLAuditStore persists decision audit entries in SQL.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry gatekeeper.AuditEntry) error {
	q := `INSERT INTO decision_audit(id, ts, user_id, path, method, allowed, reason)
		VALUES(:id, :ts, :user_id, :path, :method, :allowed, :reason)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":      entry.ID,
		"ts":      entry.Timestamp,
		"user_id": entry.UserID,
		"path":    entry.Path,
		"method":  entry.Method,
		"allowed": boolToInt(entry.Allowed),
		"reason":  entry.Reason,
	})
	return err
}

func (s *SQLAuditStore) GetDecisionLog(ctx context.Context, filter gatekeeper.AuditFilter) ([]gatekeeper.AuditEntry, error) {
	q := `SELECT id, ts, user_id, path, method, allowed, reason FROM decision_audit WHERE 1=1`
	args := map[string]any{}
	if filter.UserID != "" {
		q += ` AND user_id = :user_id`
		args["user_id"] = filter.UserID
	}
	if filter.Path != "" {
		q += ` AND path = :path`
		args["path"] = filter.Path
	}
	if filter.Allowed != nil {
		q += ` AND allowed = :allowed`
		args["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.Since.IsZero() {
		q += ` AND ts >= :since`
		args["since"] = filter.Since
	}
	q += ` ORDER BY ts ASC`

	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make([]gatekeeper.AuditEntry, 0)
	for r.Next() {
		var entry gatekeeper.AuditEntry
		var tsRaw any
		var allowed int
		if err := r.Scan(&entry.ID, &tsRaw, &entry.UserID, &entry.Path, &entry.Method, &allowed, &entry.Reason); err != nil {
			return nil, err
		}
		entry.Timestamp = scanTime(tsRaw)
		entry.Allowed = allowed != 0
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
