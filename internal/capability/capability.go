// Package capability maps user roles to what they may do. The table is
// built once at package init and queried through Allows; callers never
// compare role strings themselves.
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/campusline/edusync/internal/model"
)

// ErrForbidden is returned when the role on a context lacks a capability.
var ErrForbidden = errors.New("capability: forbidden")

// Role is a user role.
type Role string

// Roles.
const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleParent     Role = "parent"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleStudent, RoleInstructor, RoleParent, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("capability: unknown role %q", s)
	}
}

// Capability is one permitted action.
type Capability string

// Capabilities.
const (
	ReadRecords          Capability = "read_records"
	EditProfile          Capability = "edit_profile"
	SubmitAssignments    Capability = "submit_assignments"
	ManageCourses        Capability = "manage_courses"
	RecordGrades         Capability = "record_grades"
	TakeAttendance       Capability = "take_attendance"
	PostAnnouncements    Capability = "post_announcements"
	UploadFiles          Capability = "upload_files"
	ManageIntegrations   Capability = "manage_integrations"
	ResolveSyncConflicts Capability = "resolve_conflicts"
)

var table = map[Role][]Capability{
	RoleStudent: {
		ReadRecords, EditProfile, SubmitAssignments, UploadFiles, ResolveSyncConflicts,
	},
	RoleInstructor: {
		ReadRecords, EditProfile, SubmitAssignments, ManageCourses, RecordGrades,
		TakeAttendance, PostAnnouncements, UploadFiles, ResolveSyncConflicts,
	},
	RoleParent: {
		ReadRecords, EditProfile,
	},
	RoleAdmin: {
		ReadRecords, EditProfile, SubmitAssignments, ManageCourses, RecordGrades,
		TakeAttendance, PostAnnouncements, UploadFiles, ManageIntegrations, ResolveSyncConflicts,
	},
}

var allowed = buildAllowed()

func buildAllowed() map[Role]map[Capability]bool {
	out := make(map[Role]map[Capability]bool, len(table))
	for role, caps := range table {
		set := make(map[Capability]bool, len(caps))
		for _, c := range caps {
			set[c] = true
		}

		out[role] = set
	}

	return out
}

// Allows reports whether role has capability c. Unknown roles have none.
func Allows(role Role, c Capability) bool {
	return allowed[role][c]
}

// Of returns the capabilities of a role, sorted.
func Of(role Role) []Capability {
	out := slices.Clone(table[role])
	slices.Sort(out)

	return out
}

// writeCapability is what writing a record of each kind requires.
var writeCapability = map[model.Kind]Capability{
	model.KindProfile:      EditProfile,
	model.KindCourse:       ManageCourses,
	model.KindAssignment:   SubmitAssignments,
	model.KindGrade:        RecordGrades,
	model.KindAttendance:   TakeAttendance,
	model.KindAnnouncement: PostAnnouncements,
	model.KindFile:         UploadFiles,
}

// ForWrite returns the capability needed to write a record of kind.
func ForWrite(kind model.Kind) Capability {
	if c, ok := writeCapability[kind]; ok {
		return c
	}

	return ManageIntegrations
}

type contextKey int

const roleKey contextKey = iota

// WithRole attaches a role to ctx.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// RoleFrom returns the role attached to ctx, if any.
func RoleFrom(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey).(Role)
	return role, ok
}

// Check returns ErrForbidden when ctx carries a role lacking c. A context
// without a role passes: enforcement is opt-in per caller.
func Check(ctx context.Context, c Capability) error {
	role, ok := RoleFrom(ctx)
	if !ok {
		return nil
	}

	if !Allows(role, c) {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, role, c)
	}

	return nil
}
