package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LastStatMetrics feeds the autoscaler from the kernel statistics the
// stats sweep persists. An endpoint metric resolves to the average of
// that last_stat key across the endpoint's live replica kernels, so a
// rule on "cpu_util" reacts to the fleet rather than one replica.
type LastStatMetrics struct {
	db *sqlx.DB
}

// NewLastStatMetrics wraps the registry's connection pool.
func NewLastStatMetrics(db *sqlx.DB) *LastStatMetrics {
	return &LastStatMetrics{db: db}
}

func (m *LastStatMetrics) EndpointMetric(ctx context.Context, endpointID uuid.UUID, metric string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := sqlx.GetContext(ctx, m.db, &avg, `
		SELECT avg((k.last_stat ->> $2)::double precision)
		FROM kernels k
		JOIN routings r ON r.session_id = k.session_id
		WHERE r.endpoint_id = $1
		  AND r.status <> 'TERMINATING'
		  AND k.last_stat ->> $2 IS NOT NULL`,
		endpointID, metric)
	if err != nil {
		return 0, false, fmt.Errorf("failed to aggregate endpoint metric %q: %w", metric, err)
	}
	if !avg.Valid {
		// No replica has reported this key yet; the rule waits.
		return 0, false, nil
	}
	return avg.Float64, true, nil
}
