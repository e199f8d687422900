package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/K-Schubert/mediawatch/internal/archive"
	"github.com/K-Schubert/mediawatch/internal/authpw"
	"github.com/K-Schubert/mediawatch/internal/config"
	"github.com/K-Schubert/mediawatch/internal/export"
	"github.com/K-Schubert/mediawatch/internal/extractor"
	"github.com/K-Schubert/mediawatch/internal/ratelimit"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
	"golang.org/x/crypto/bcrypt"
)

// fakeStore is an in-memory dataStore and sessionStore. The ...Fn fields
// override single methods to inject failures.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	clock       time.Time
	users       map[int64]store.User
	articles    map[int64]store.Article
	annotations map[int64]store.Annotation
	comments    map[int64]store.Comment
	refresh     map[string]int64
	revoked     map[string]bool

	pingFn             func(context.Context) error
	insertAnnotationFn func(context.Context, store.Annotation) (store.Annotation, error)
	// beforeUpdateLockFn runs before UpdateAnnotation takes the lock.
	beforeUpdateLockFn func(id int64)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		users:       map[int64]store.User{},
		articles:    map[int64]store.Article{},
		annotations: map[int64]store.Annotation{},
		comments:    map[int64]store.Comment{},
		refresh:     map[string]int64{},
		revoked:     map[string]bool{},
	}
}

// tick must be called with mu held.
func (f *fakeStore) tick() (int64, time.Time) {
	f.nextID++
	f.clock = f.clock.Add(time.Second)
	return f.nextID, f.clock
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) || existing.Username == user.Username {
			return store.User{}, store.ErrDuplicate
		}
	}
	user.ID, user.CreatedAt = f.tick()
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) GetUserByID(_ context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = hash
	f.users[id] = user
	return nil
}

func (f *fakeStore) UpsertArticle(_ context.Context, item store.Article) (store.Article, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.articles {
		if existing.Link == item.Link {
			item.ID = id
			item.CreatedAt = existing.CreatedAt
			_, item.UpdatedAt = f.tick()
			f.articles[id] = item
			return item, false, nil
		}
	}
	item.ID, item.CreatedAt = f.tick()
	item.UpdatedAt = item.CreatedAt
	f.articles[item.ID] = item
	return item, true, nil
}

func (f *fakeStore) GetArticle(_ context.Context, id int64) (store.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.articles[id]
	if !ok {
		return store.Article{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) ListArticles(_ context.Context, filter store.ArticleFilter) ([]store.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Article, 0, len(f.articles))
	for _, item := range f.articles {
		if filter.Query != "" && !strings.Contains(strings.ToLower(item.Title+" "+item.Text), strings.ToLower(filter.Query)) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return items, nil
}

func (f *fakeStore) InsertAnnotation(ctx context.Context, item store.Annotation) (store.Annotation, error) {
	if f.insertAnnotationFn != nil {
		return f.insertAnnotationFn(ctx, item)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.articles[item.ArticleID]; !ok {
		return store.Annotation{}, store.ErrNotFound
	}
	item.ID, item.Timestamp = f.tick()
	f.annotations[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetAnnotation(_ context.Context, id int64) (store.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.annotations[id]
	if !ok {
		return store.Annotation{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) UpdateAnnotation(_ context.Context, id, userID int64, prepare store.PatchFunc) (store.Annotation, error) {
	if f.beforeUpdateLockFn != nil {
		f.beforeUpdateLockFn(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.annotations[id]
	if !ok {
		return store.Annotation{}, store.ErrNotFound
	}
	if item.UserID != userID {
		return store.Annotation{}, store.ErrNotOwner
	}
	patch, err := prepare(item)
	if err != nil {
		return store.Annotation{}, err
	}
	if patch.Empty() {
		return item, nil
	}
	if patch.Category != nil {
		item.Category = *patch.Category
	}
	if patch.Subcategory != nil {
		item.Subcategory = *patch.Subcategory
	}
	_, item.Timestamp = f.tick()
	f.annotations[id] = item
	return item, nil
}

func (f *fakeStore) DeleteAnnotation(_ context.Context, id, userID int64) (store.Annotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.annotations[id]
	if !ok {
		return store.Annotation{}, store.ErrNotFound
	}
	if item.UserID != userID {
		return store.Annotation{}, store.ErrNotOwner
	}
	delete(f.annotations, id)
	for commentID, comment := range f.comments {
		if comment.AnnotationID == id {
			delete(f.comments, commentID)
		}
	}
	return item, nil
}

func (f *fakeStore) DeleteAnnotationsForArticle(ctx context.Context, articleID, userID int64) ([]store.Annotation, error) {
	f.mu.Lock()
	var owned []int64
	for id, item := range f.annotations {
		if item.ArticleID == articleID && item.UserID == userID {
			owned = append(owned, id)
		}
	}
	f.mu.Unlock()
	if len(owned) == 0 {
		return nil, store.ErrNotFound
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	deleted := make([]store.Annotation, 0, len(owned))
	for _, id := range owned {
		item, err := f.DeleteAnnotation(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		deleted = append(deleted, item)
	}
	return deleted, nil
}

func (f *fakeStore) listAnnotations(keep func(store.Annotation) bool) []store.Annotation {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Annotation, 0)
	for _, item := range f.annotations {
		if keep(item) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (f *fakeStore) ListAnnotationsByArticle(_ context.Context, articleID int64) ([]store.Annotation, error) {
	return f.listAnnotations(func(a store.Annotation) bool { return a.ArticleID == articleID }), nil
}

func (f *fakeStore) ListAnnotationsByUsername(_ context.Context, username string) ([]store.Annotation, error) {
	return f.listAnnotations(func(a store.Annotation) bool { return a.Username == username }), nil
}

func (f *fakeStore) InsertComment(_ context.Context, item store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.annotations[item.AnnotationID]; !ok {
		return store.Comment{}, store.ErrNotFound
	}
	item.ID, item.Timestamp = f.tick()
	f.comments[item.ID] = item
	return item, nil
}

func (f *fakeStore) DeleteComment(_ context.Context, id, userID int64) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	if item.UserID != userID {
		return store.Comment{}, store.ErrNotOwner
	}
	delete(f.comments, id)
	return item, nil
}

func (f *fakeStore) ListComments(_ context.Context, annotationIDs []int64) (map[int64][]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range annotationIDs {
		wanted[id] = true
	}
	out := map[int64][]store.Comment{}
	for _, item := range f.comments {
		if wanted[item.AnnotationID] {
			out[item.AnnotationID] = append(out[item.AnnotationID], item)
		}
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].ID < out[id][j].ID })
	}
	return out, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, userID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[hash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeExtractor struct {
	extractFn func(context.Context, string) ([]extractor.Candidate, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) ([]extractor.Candidate, error) {
	if f.extractFn != nil {
		return f.extractFn(ctx, text)
	}
	return nil, nil
}

func (f *fakeExtractor) Model() string { return "fake-model" }

type fakeSearch struct {
	mu          sync.Mutex
	articles    []search.ArticleRecord
	annotations []search.AnnotationRecord
	deleted     []string
	searchFn    func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexArticle(a search.ArticleRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articles = append(f.articles, a)
}

func (f *fakeSearch) IndexAnnotation(a search.AnnotationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotations = append(f.annotations, a)
}

func (f *fakeSearch) DeleteAnnotation(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type fakeArchive struct {
	archive.Nop
	puts []archive.Snapshot
}

func (f *fakeArchive) Put(_ context.Context, snap archive.Snapshot) (string, error) {
	f.puts = append(f.puts, snap)
	return archive.Key(snap), nil
}

func newTestService(fs *fakeStore) *Service {
	table := taxonomy.Default()
	return &Service{
		cfg: config.Config{
			AccessSecret:     "access-test-secret",
			RefreshSecret:    "refresh-test-secret",
			AccessTTL:        time.Hour,
			RefreshTTL:       24 * time.Hour,
			ExtractorTimeout: time.Second,
		},
		store:     fs,
		sessions:  fs,
		passwords: authpw.NewServiceWithCost(fs, bcrypt.MinCost),
		limiter:   ratelimit.NewMemory(ratelimit.Policy{MaxAttempts: 5, Window: 5 * time.Minute}),
		taxonomy:  table,
		extractor: extractor.None{},
		archive:   archive.Nop{},
		exporter:  export.NewService(fs, table, ""),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

const ministerText = "The minister denied any wrongdoing."

func seedUser(t *testing.T, fs *fakeStore, username, role string) store.User {
	t.Helper()
	user, err := fs.CreateUser(context.Background(), store.User{
		Username: username,
		Email:    username + "@example.org",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func seedArticle(t *testing.T, fs *fakeStore, link, text string) store.Article {
	t.Helper()
	article, _, err := fs.UpsertArticle(context.Background(), store.Article{
		Source: "lecourrier",
		Link:   link,
		Title:  "Test article",
		Text:   text,
	})
	if err != nil {
		t.Fatalf("seed article: %v", err)
	}
	return article
}

func sessionFor(user store.User) Session {
	return Session{UserID: user.ID, UserName: user.Username, Role: user.Role}
}

func intPtr(v int) *int { return &v }
