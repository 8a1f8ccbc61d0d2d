package model

// WildcardAction grants every action on a resource.
const WildcardAction = "*"

// Permission is a (resource, action) pair.
type Permission struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Resource string `json:"resource" yaml:"resource" validate:"required"`
	Action   string `json:"action" yaml:"action" validate:"required"`
}

func (Permission) Collection() Collection { return CollectionPermissions }
func (p Permission) DocumentID() string   { return p.ID }

// String renders the permission as resource:action.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// Role is a named set of permission identifiers.
type Role struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Permissions []string `json:"permissions" yaml:"permissions" validate:"dive,required"`
}

func (Role) Collection() Collection { return CollectionRoles }
func (r Role) DocumentID() string   { return r.ID }

// RoleAssignment maps a user to the roles granted to them.
// The document id is the user id.
type RoleAssignment struct {
	UserID string   `json:"user_id" yaml:"user_id" validate:"required"`
	Roles  []string `json:"roles" yaml:"roles" validate:"dive,required"`
}

func (RoleAssignment) Collection() Collection { return CollectionRoleAssignments }
func (a RoleAssignment) DocumentID() string   { return a.UserID }

// Resources and actions used by the academy service.
const (
	ResourceStudents   = "students"
	ResourceTeachers   = "teachers"
	ResourceClasses    = "classes"
	ResourceAttendance = "attendance"
	ResourceSync       = "sync"

	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)
