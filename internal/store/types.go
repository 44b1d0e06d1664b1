// Package store is the persistence collaborator: MongoDB-backed document and
// user records with a narrow read/write contract. The sync core only ever
// consumes these interfaces; it never assumes the storage technology.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the document or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the mutation targets an invalid subject, e.g. adding
	// the owner as a collaborator or creating a duplicate user.
	ErrConflict = errors.New("conflict")
)

// Collaborator is one entry in a document's collaborator list, unique by
// user id. The owner never appears here.
type Collaborator struct {
	UserID  string    `bson:"user_id" json:"userId"`
	Role    string    `bson:"role" json:"role"`
	AddedAt time.Time `bson:"added_at" json:"addedAt"`
}

// Document is the document record: ownership, collaborator roles and the
// last persisted content snapshot. The live text between snapshots exists
// only in the hub's in-memory operation log.
type Document struct {
	ID            string         `bson:"_id" json:"id"`
	OwnerID       string         `bson:"owner_id" json:"ownerId"`
	Title         string         `bson:"title" json:"title"`
	Content       string         `bson:"content" json:"content"`
	Collaborators []Collaborator `bson:"collaborators,omitempty" json:"collaborators,omitempty"`
	CreatedAt     time.Time      `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `bson:"updated_at" json:"updatedAt"`
}

// User is an account record. Credential issuance lives at the API edge; the
// core only resolves users by id or email.
type User struct {
	ID           string    `bson:"_id" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
}

// DocumentReader is the read side consumed by the access-control and session
// layers.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
}

// DocumentStore is the full document contract.
type DocumentStore interface {
	DocumentReader
	CreateDocument(ctx context.Context, doc *Document) error
	UpdateDocument(ctx context.Context, id string, title, content *string) (*Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, userID string) ([]*Document, error)

	// UpsertCollaborator adds the collaborator or, if the user is already
	// listed, updates the role in place keeping the original AddedAt.
	UpsertCollaborator(ctx context.Context, docID string, c Collaborator) error
	RemoveCollaborator(ctx context.Context, docID, userID string) error

	// PersistSnapshot stores the converged visible text of a document.
	PersistSnapshot(ctx context.Context, id, text string) error
}

// UserStore resolves and creates accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error)
}
