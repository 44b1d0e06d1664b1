package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.docs.ListDocuments(r.Context(), requestUserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []*store.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if req.Title == "" {
		req.Title = "Untitled document"
	}

	doc := &store.Document{
		ID:      uuid.New().String(),
		OwnerID: requestUserID(r),
		Title:   req.Title,
	}
	if err := s.docs.CreateDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.docs.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanView(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type updateDocumentRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if req.Title == nil && req.Content == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No fields to update"})
		return
	}

	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanEdit(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}

	updated, err := s.docs.UpdateDocument(r.Context(), id, req.Title, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanDelete(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}

	if err := s.docs.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type shareRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type collaboratorView struct {
	UserID  string    `json:"userId"`
	Email   string    `json:"email"`
	Role    string    `json:"role"`
	AddedAt time.Time `json:"addedAt"`
}

type collaboratorsResponse struct {
	Collaborators []collaboratorView `json:"collaborators"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	if !access.Role(req.Role).Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Role must be viewer or editor"})
		return
	}

	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanShare(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}

	target, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	if target.ID == doc.OwnerID {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Document owner cannot be added as collaborator"})
		return
	}

	// An existing collaborator gets the new role in place; anyone else is
	// appended.
	err = s.docs.UpsertCollaborator(r.Context(), id, store.Collaborator{
		UserID:  target.ID,
		Role:    req.Role,
		AddedAt: time.Now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.respondCollaborators(w, r, id)
}

func (s *Server) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanView(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}

	s.respondCollaborators(w, r, id)
}

func (s *Server) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	targetID := r.URL.Query().Get("userId")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userId parameter is required"})
		return
	}

	doc, err := s.docs.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !access.CanShare(doc, requestUserID(r)) {
		writeError(w, access.ErrForbidden)
		return
	}

	if err := s.docs.RemoveCollaborator(r.Context(), id, targetID); err != nil {
		writeError(w, err)
		return
	}

	s.respondCollaborators(w, r, id)
}

// respondCollaborators returns the document's collaborator list joined with
// account emails.
func (s *Server) respondCollaborators(w http.ResponseWriter, r *http.Request, docID string) {
	doc, err := s.docs.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, 0, len(doc.Collaborators))
	for _, c := range doc.Collaborators {
		ids = append(ids, c.UserID)
	}
	users, err := s.users.GetUsersByIDs(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	emails := make(map[string]string, len(users))
	for _, u := range users {
		emails[u.ID] = u.Email
	}

	views := make([]collaboratorView, 0, len(doc.Collaborators))
	for _, c := range doc.Collaborators {
		email, ok := emails[c.UserID]
		if !ok {
			email = "Unknown"
		}
		views = append(views, collaboratorView{
			UserID:  c.UserID,
			Email:   email,
			Role:    c.Role,
			AddedAt: c.AddedAt,
		})
	}
	writeJSON(w, http.StatusOK, collaboratorsResponse{Collaborators: views})
}
