package accounts

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Models lists every table owned by the accounts store.
func Models() []any {
	return []any{
		(*User)(nil),
		(*UserRoleGrant)(nil),
		(*StudentProfile)(nil),
		(*TeacherProfile)(nil),
		(*ParentProfile)(nil),
		(*Institution)(nil),
		(*InstitutionAdmin)(nil),
		(*Invitation)(nil),
		(*TeacherStudentAssignment)(nil),
		(*RefreshToken)(nil),
		(*EmailVerification)(nil),
		(*UserIdentifier)(nil),
		(*ConfigurationEntry)(nil),
		(*OrphanedSubject)(nil),
	}
}

type indexDef struct {
	name    string
	model   any
	columns []string
	where   string
}

var indexes = []indexDef{
	{name: "uq_users_email", model: (*User)(nil), columns: []string{"lower(email)"}},
	{
		name:    "uq_invitations_pending",
		model:   (*Invitation)(nil),
		columns: []string{"invitee_email", "type", "target_id"},
		where:   "status = 'pending'",
	},
	{
		name:    "uq_assignments_active",
		model:   (*TeacherStudentAssignment)(nil),
		columns: []string{"teacher_id", "student_id"},
		where:   "ended_at IS NULL",
	},
	{name: "uq_user_identifiers_provider", model: (*UserIdentifier)(nil), columns: []string{"provider", "identifier"}},
}

// CreateSchema creates all tables and unique indexes if missing. The partial
// indexes back the pending invitation and active assignment uniqueness rules
// under concurrent writers.
func CreateSchema(ctx context.Context, db bun.IDB, extra ...any) error {
	for _, model := range append(Models(), extra...) {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	for _, idx := range indexes {
		q := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Unique().
			IfNotExists()
		for _, col := range idx.columns {
			q = q.ColumnExpr(col)
		}
		if idx.where != "" {
			q = q.Where(idx.where)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	return nil
}
