package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo implements DocumentStore and UserStore on top of a MongoDB database,
// using the same collections the original deployment used: "documents" and
// "users".
type Mongo struct {
	db       *mongo.Database
	docColl  *mongo.Collection
	userColl *mongo.Collection
}

// NewMongo wraps an already-connected database handle.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		db:       db,
		docColl:  db.Collection("documents"),
		userColl: db.Collection("users"),
	}
}

// EnsureIndexes creates the indexes the store relies on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.userColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.docColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}},
	})
	return err
}

// Documents

func (s *Mongo) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.docColl.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Mongo) CreateDocument(ctx context.Context, doc *Document) error {
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := s.docColl.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *Mongo) UpdateDocument(ctx context.Context, id string, title, content *string) (*Document, error) {
	set := bson.M{"updated_at": time.Now()}
	if title != nil {
		set["title"] = *title
	}
	if content != nil {
		set["content"] = *content
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc Document
	err := s.docColl.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Mongo) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.docColl.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments returns documents the user owns or collaborates on, most
// recently updated first.
func (s *Mongo) ListDocuments(ctx context.Context, userID string) ([]*Document, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"owner_id": userID},
		bson.M{"collaborators.user_id": userID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := s.docColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Mongo) UpsertCollaborator(ctx context.Context, docID string, c Collaborator) error {
	// Update the role in place if the user is already a collaborator.
	res, err := s.docColl.UpdateOne(ctx,
		bson.M{"_id": docID, "collaborators.user_id": c.UserID},
		bson.M{"$set": bson.M{"collaborators.$.role": c.Role}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	res, err = s.docColl.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$push": bson.M{"collaborators": c}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	res, err := s.docColl.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$pull": bson.M{"collaborators": bson.M{"user_id": userID}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) PersistSnapshot(ctx context.Context, id, text string) error {
	res, err := s.docColl.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"content": text, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Users

func (s *Mongo) CreateUser(ctx context.Context, user *User) error {
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = time.Now()
	_, err := s.userColl.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *Mongo) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.userColl.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Mongo) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.userColl.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Mongo) GetUsersByIDs(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.userColl.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
