package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/go-chi/chi/v5"
)

func (s *HTTPServer) handleListArticles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	items, err := s.service.ListArticles(r.Context(),
		query.Get("q"),
		query.Get("source"),
		queryInt(r, "limit", 50),
		queryInt(r, "offset", 0),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	article, err := s.service.GetArticle(r.Context(), articleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func (s *HTTPServer) handleUpsertArticle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source        string     `json:"source"`
		Link          string     `json:"link"`
		Author        string     `json:"author"`
		Title         string     `json:"title"`
		Topic         string     `json:"topic"`
		Abstract      string     `json:"abstract"`
		Text          string     `json:"text"`
		PublishedDate *time.Time `json:"published_date"`
		ModifiedDate  *time.Time `json:"modified_date"`
		Membership    string     `json:"membership"`
		Language      string     `json:"language"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	article, inserted, err := s.service.UpsertArticle(r.Context(), sessionFrom(r), store.Article{
		Source:        body.Source,
		Link:          body.Link,
		Author:        body.Author,
		Title:         body.Title,
		Topic:         body.Topic,
		Abstract:      body.Abstract,
		Text:          body.Text,
		PublishedDate: body.PublishedDate,
		ModifiedDate:  body.ModifiedDate,
		Membership:    body.Membership,
		Language:      body.Language,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, article)
}

func (s *HTTPServer) handleArticleRevisions(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	result, err := s.service.ArticleRevisions(r.Context(), articleID, queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleArticleRevision(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	result, err := s.service.ArticleRevision(r.Context(), articleID, chi.URLParam(r, "hash"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	articleID, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	includeComments := true
	if value := r.URL.Query().Get("comments"); value != "" {
		includeComments, _ = strconv.ParseBool(value)
	}
	result, err := s.service.Export(r.Context(), articleID, chi.URLParam(r, "format"), includeComments)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.service.Search(r.Context(),
		query.Get("q"),
		query.Get("type"),
		query.Get("source"),
		query.Get("category"),
		queryInt(r, "limit", 20),
		queryInt(r, "offset", 0),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Categories())
}

func (s *HTTPServer) handleSubcategories(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Subcategories(strings.TrimSpace(chi.URLParam(r, "category")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTaxonomy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Taxonomy())
}
