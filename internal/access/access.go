// Package access derives a user's role from a document record and answers
// capability questions about it. It is a pure function set with no state of
// its own: the document record is the single source of truth, and callers
// that cache a derived role must re-derive it on every check cycle.
package access

import (
	"errors"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

// ErrForbidden means the identity is known but the role does not permit the
// action.
var ErrForbidden = errors.New("forbidden")

// Role is a user's relationship to one document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// Valid reports whether the role is one a collaborator entry may carry.
// Owner is excluded: ownership lives on the document record itself.
func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleViewer
}

// CanView reports whether the role may read the document.
func (r Role) CanView() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleViewer
}

// CanEdit reports whether the role may mutate text or title.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanShare reports whether the role may add, change or remove collaborators.
func (r Role) CanShare() bool {
	return r == RoleOwner
}

// CanDelete reports whether the role may delete the document.
func (r Role) CanDelete() bool {
	return r == RoleOwner
}

// RoleOf derives the user's role: the owner outranks everything, otherwise
// the collaborator entry decides, otherwise none.
func RoleOf(doc *store.Document, userID string) Role {
	if doc == nil || userID == "" {
		return RoleNone
	}
	if doc.OwnerID == userID {
		return RoleOwner
	}
	for _, c := range doc.Collaborators {
		if c.UserID == userID {
			return Role(c.Role)
		}
	}
	return RoleNone
}

// CanView reports whether the user may read the document.
func CanView(doc *store.Document, userID string) bool {
	return RoleOf(doc, userID).CanView()
}

// CanEdit reports whether the user may mutate text or title.
func CanEdit(doc *store.Document, userID string) bool {
	return RoleOf(doc, userID).CanEdit()
}

// CanShare reports whether the user may manage collaborators.
func CanShare(doc *store.Document, userID string) bool {
	return RoleOf(doc, userID).CanShare()
}

// CanDelete reports whether the user may delete the document.
func CanDelete(doc *store.Document, userID string) bool {
	return RoleOf(doc, userID).CanDelete()
}
