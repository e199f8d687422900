package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArticleID       int64          `json:"article_id"`
		HighlightedText string         `json:"highlighted_text"`
		StartPosition   *int           `json:"start_position"`
		EndPosition     *int           `json:"end_position"`
		Category        string         `json:"category"`
		Subcategory     string         `json:"subcategory"`
		Metadata        map[string]any `json:"article_metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.CreateAnnotation(r.Context(), sessionFrom(r), CreateAnnotationInput{
		ArticleID:       body.ArticleID,
		HighlightedText: body.HighlightedText,
		StartPosition:   body.StartPosition,
		EndPosition:     body.EndPosition,
		Category:        body.Category,
		Subcategory:     body.Subcategory,
		Metadata:        body.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArticleID  int64       `json:"article_id"`
		Candidates []Candidate `json:"candidates"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateFromBatch(r.Context(), sessionFrom(r), body.ArticleID, body.Candidates)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request) {
	annotationID, ok := pathID(w, r, "annotationID")
	if !ok {
		return
	}
	var body struct {
		Category    *string `json:"category"`
		Subcategory *string `json:"subcategory"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.UpdateAnnotation(r.Context(), sessionFrom(r), annotationID, UpdateAnnotationInput{
		Category:    body.Category,
		Subcategory: body.Subcategory,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	annotationID, ok := pathID(w, r, "annotationID")
	if !ok {
		return
	}
	deleted, err := s.service.DeleteAnnotation(r.Context(), sessionFrom(r), annotationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (s *HTTPServer) handleDeleteAllForArticle(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	result, err := s.service.DeleteAllForArticle(r.Context(), sessionFrom(r), articleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleListByArticle(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	items, err := s.service.ListByArticle(r.Context(), articleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleListByUser(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListByUser(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	annotationID, ok := pathID(w, r, "annotationID")
	if !ok {
		return
	}
	items, err := s.service.ListComments(r.Context(), annotationID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AnnotationID int64  `json:"annotation_id"`
		CommentText  string `json:"comment_text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	created, err := s.service.AddComment(r.Context(), sessionFrom(r), body.AnnotationID, body.CommentText)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID, ok := pathID(w, r, "commentID")
	if !ok {
		return
	}
	deleted, err := s.service.DeleteComment(r.Context(), sessionFrom(r), commentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (s *HTTPServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArticleID          int64 `json:"article_id"`
		RequireAnnotations bool  `json:"require_annotations"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Analyze(r.Context(), sessionFrom(r), AnalyzeInput{
		ArticleID:          body.ArticleID,
		RequireAnnotations: body.RequireAnnotations,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
