package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Writer appends entries to a task's transition history inside the caller's
// transaction, so a failed operation leaves no trace.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, action, actorID, actorName, notes string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(id,task_id,action,performed_by,performed_by_name,ts,notes) VALUES (?,?,?,?,?,?,?)`,
		uuid.New().String(), taskID, action, nullable(actorID), nullable(actorName), ts, nullable(notes))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
