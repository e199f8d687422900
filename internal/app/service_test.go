package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/K-Schubert/mediawatch/internal/extractor"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/store"
)

func statusOf(t *testing.T, err error) (int, string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	status, code, _, _ := mapError(err)
	return status, code
}

func TestCreateAnnotationMinisterExample(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	other := seedUser(t, fs, "bob", "annotator")
	article := seedArticle(t, fs, "https://example.org/minister", ministerText)
	ctx := context.Background()

	created, err := svc.CreateAnnotation(ctx, sessionFor(owner), CreateAnnotationInput{
		ArticleID:       article.ID,
		HighlightedText: "denied any wrongdoing",
		Category:        "A",
		Subcategory:     "Minimization (28)",
	})
	if err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	if created["start_position"] != 13 || created["end_position"] != 34 {
		t.Fatalf("expected span (13, 34), got (%v, %v)", created["start_position"], created["end_position"])
	}
	if created["highlighted_text"] != "denied any wrongdoing" || created["username"] != "alice" {
		t.Fatalf("unexpected annotation %+v", created)
	}

	id := created["id"].(int64)
	category := "B"
	_, err = svc.UpdateAnnotation(ctx, sessionFor(other), id, UpdateAnnotationInput{Category: &category})
	if status, code := statusOf(t, err); status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}
	_, err = svc.DeleteAnnotation(ctx, sessionFor(other), id)
	if status, _ := statusOf(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 on foreign delete, got %d", status)
	}
}

func TestCreateAnnotationFailures(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/a", ministerText)

	cases := []struct {
		name   string
		input  CreateAnnotationInput
		status int
		code   string
	}{
		{
			name:   "text absent from article",
			input:  CreateAnnotationInput{ArticleID: article.ID, HighlightedText: "admitted everything", Category: "A", Subcategory: "Minimization (28)"},
			status: http.StatusUnprocessableEntity,
			code:   "SPAN_NOT_FOUND",
		},
		{
			name:   "unknown article",
			input:  CreateAnnotationInput{ArticleID: 999, HighlightedText: "denied", Category: "A", Subcategory: "Minimization (28)"},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "unknown category",
			input:  CreateAnnotationInput{ArticleID: article.ID, HighlightedText: "denied", Category: "Z", Subcategory: "Minimization (28)"},
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "subcategory from another category",
			input:  CreateAnnotationInput{ArticleID: article.ID, HighlightedText: "denied", Category: "A", Subcategory: "Scapegoating (16)"},
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "empty highlighted text",
			input:  CreateAnnotationInput{ArticleID: article.ID, HighlightedText: "  ", Category: "A", Subcategory: "Minimization (28)"},
			status: http.StatusUnprocessableEntity,
			code:   "VALIDATION_ERROR",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateAnnotation(context.Background(), sessionFor(owner), tc.input)
			status, code := statusOf(t, err)
			if status != tc.status || code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, status, code)
			}
		})
	}
	if len(fs.annotations) != 0 {
		t.Fatalf("failed creations must not store anything, found %d", len(fs.annotations))
	}
}

func TestCreateAnnotationHintSelectsOccurrence(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/repeat", "cuts here, cuts there, cuts everywhere")

	created, err := svc.CreateAnnotation(context.Background(), sessionFor(owner), CreateAnnotationInput{
		ArticleID:       article.ID,
		HighlightedText: "cuts",
		StartPosition:   intPtr(11),
		EndPosition:     intPtr(15),
		Category:        "A",
		Subcategory:     "Euphemism (4)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["start_position"] != 11 {
		t.Fatalf("expected the hinted occurrence at 11, got %v", created["start_position"])
	}

	created, err = svc.CreateAnnotation(context.Background(), sessionFor(owner), CreateAnnotationInput{
		ArticleID:       article.ID,
		HighlightedText: "cuts",
		Category:        "A",
		Subcategory:     "Euphemism (4)",
	})
	if err != nil {
		t.Fatalf("create without hint: %v", err)
	}
	if created["start_position"] != 0 {
		t.Fatalf("expected first occurrence without hint, got %v", created["start_position"])
	}
}

func TestCreateFromBatchPartialFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/batch", ministerText)

	result, err := svc.CreateFromBatch(context.Background(), sessionFor(owner), article.ID, []Candidate{
		{Category: "A", Subcategory: "Minimization (28)", HighlightedText: "denied any wrongdoing"},
		{Category: "A", Subcategory: "Euphemism (4)", HighlightedText: "resigned in disgrace"},
		{Category: "A", Subcategory: "Loaded language (8)", HighlightedText: "The minister"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	items := result["results"].([]BatchItem)
	if len(items) != 3 {
		t.Fatalf("expected 3 results, got %d", len(items))
	}
	for i, item := range items {
		if item.Index != i {
			t.Fatalf("result %d carries index %d", i, item.Index)
		}
	}
	if items[0].Status != itemCreated || items[2].Status != itemCreated {
		t.Fatalf("expected slots 0 and 2 created, got %+v", items)
	}
	if items[1].Status != itemError || items[1].Error == nil || items[1].Error.Code != "SPAN_NOT_FOUND" {
		t.Fatalf("expected slot 1 SPAN_NOT_FOUND, got %+v", items[1])
	}
	if result["created"] != 2 || result["failed"] != 1 {
		t.Fatalf("unexpected counts %v/%v", result["created"], result["failed"])
	}
	stored, _ := fs.ListAnnotationsByArticle(context.Background(), article.ID)
	if len(stored) != 2 {
		t.Fatalf("expected 2 persisted annotations, got %d", len(stored))
	}
}

func TestCreateFromBatchPersistenceFailureIsPerItem(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/flaky", ministerText)

	calls := 0
	fs.insertAnnotationFn = func(ctx context.Context, item store.Annotation) (store.Annotation, error) {
		calls++
		if calls == 1 {
			return store.Annotation{}, errors.New("connection reset by peer")
		}
		item.ID = int64(100 + calls)
		item.Timestamp = time.Now()
		return item, nil
	}

	result, err := svc.CreateFromBatch(context.Background(), sessionFor(owner), article.ID, []Candidate{
		{Category: "A", Subcategory: "Minimization (28)", HighlightedText: "denied"},
		{Category: "A", Subcategory: "Minimization (28)", HighlightedText: "wrongdoing"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	items := result["results"].([]BatchItem)
	if items[0].Error == nil || items[0].Error.Code != "PERSISTENCE_ERROR" {
		t.Fatalf("expected slot 0 PERSISTENCE_ERROR, got %+v", items[0])
	}
	if items[0].Error.Message == "connection reset by peer" {
		t.Fatal("driver error text must not leak")
	}
	if items[1].Status != itemCreated {
		t.Fatalf("expected slot 1 created, got %+v", items[1])
	}
}

func TestUpdateAnnotationKeepsSpan(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/update", ministerText)
	ctx := context.Background()

	created, err := svc.CreateAnnotation(ctx, sessionFor(owner), CreateAnnotationInput{
		ArticleID: article.ID, HighlightedText: "denied", Category: "A", Subcategory: "Minimization (28)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created["id"].(int64)

	category, sub := "B", "Scapegoating (16)"
	updated, err := svc.UpdateAnnotation(ctx, sessionFor(owner), id, UpdateAnnotationInput{Category: &category, Subcategory: &sub})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["category"] != "B" || updated["subcategory"] != "Scapegoating (16)" {
		t.Fatalf("classification not updated: %+v", updated)
	}
	for _, field := range []string{"start_position", "end_position", "highlighted_text", "article_id", "user_id"} {
		if updated[field] != created[field] {
			t.Fatalf("%s changed from %v to %v", field, created[field], updated[field])
		}
	}
	if updated["timestamp"] == created["timestamp"] {
		t.Fatal("update should bump the timestamp")
	}

	// Minimization does not exist in C.
	onlyCategory := "C"
	_, err = svc.UpdateAnnotation(ctx, sessionFor(owner), id, UpdateAnnotationInput{Category: &onlyCategory})
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for subcategory outside category, got %d", status)
	}

	_, err = svc.UpdateAnnotation(ctx, sessionFor(owner), id, UpdateAnnotationInput{})
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty patch, got %d", status)
	}

	_, err = svc.UpdateAnnotation(ctx, sessionFor(owner), 4040, UpdateAnnotationInput{Category: &category})
	if status, _ := statusOf(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing annotation, got %d", status)
	}
}

// commitBeforeLock makes the next UpdateAnnotation commit the given
// classification first, as a concurrent request that wins the row lock would.
func commitBeforeLock(t *testing.T, fs *fakeStore, svc *Service, owner store.User, category, subcategory string) {
	t.Helper()
	fired := false
	fs.beforeUpdateLockFn = func(id int64) {
		if fired {
			return
		}
		fired = true
		if _, err := svc.UpdateAnnotation(context.Background(), sessionFor(owner), id, UpdateAnnotationInput{
			Category: &category, Subcategory: &subcategory,
		}); err != nil {
			t.Errorf("concurrent update: %v", err)
		}
	}
}

func TestUpdateAnnotationMergesWithCommittedRow(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/race", ministerText)
	ctx := context.Background()

	created, err := svc.CreateAnnotation(ctx, sessionFor(owner), CreateAnnotationInput{
		ArticleID: article.ID, HighlightedText: "denied", Category: "A", Subcategory: "Minimization (28)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created["id"].(int64)

	// A subcategory-only change is checked against the category committed
	// by the other request, not the one read before it.
	commitBeforeLock(t, fs, svc, owner, "B", "Scapegoating (16)")
	smokescreen := "Smokescreening (30)"
	updated, err := svc.UpdateAnnotation(ctx, sessionFor(owner), id, UpdateAnnotationInput{Subcategory: &smokescreen})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["category"] != "B" || updated["subcategory"] != "Smokescreening (30)" {
		t.Fatalf("expected B/Smokescreening, got %v/%v", updated["category"], updated["subcategory"])
	}

	// A subcategory that does not fit the committed category is rejected and
	// the committed category is left alone.
	commitBeforeLock(t, fs, svc, owner, "A", "Passive Voice (1)")
	scapegoating := "Scapegoating (16)"
	_, err = svc.UpdateAnnotation(ctx, sessionFor(owner), id, UpdateAnnotationInput{Subcategory: &scapegoating})
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	fs.beforeUpdateLockFn = nil
	final, err := fs.GetAnnotation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Category != "A" || final.Subcategory != "Passive Voice (1)" {
		t.Fatalf("committed classification was overwritten: %s/%s", final.Category, final.Subcategory)
	}
}

func TestDeleteAnnotationCascadesComments(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := seedUser(t, fs, "alice", "annotator")
	reader := seedUser(t, fs, "carol", "annotator")
	article := seedArticle(t, fs, "https://example.org/cascade", ministerText)
	ctx := context.Background()

	created, err := svc.CreateAnnotation(ctx, sessionFor(owner), CreateAnnotationInput{
		ArticleID: article.ID, HighlightedText: "denied", Category: "A", Subcategory: "Minimization (28)",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created["id"].(int64)

	first, err := svc.AddComment(ctx, sessionFor(reader), id, "Agreed.")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := svc.AddComment(ctx, sessionFor(owner), id, "Thanks"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	// Deleting a comment leaves the annotation alone.
	_, err = svc.DeleteComment(ctx, sessionFor(owner), first["id"].(int64))
	if status, _ := statusOf(t, err); status != http.StatusForbidden {
		t.Fatalf("expected 403 deleting someone else's comment, got %d", status)
	}
	if _, err := svc.DeleteComment(ctx, sessionFor(reader), first["id"].(int64)); err != nil {
		t.Fatalf("delete comment: %v", err)
	}
	if _, err := fs.GetAnnotation(ctx, id); err != nil {
		t.Fatalf("annotation should survive comment deletion: %v", err)
	}

	if _, err := svc.DeleteAnnotation(ctx, sessionFor(owner), id); err != nil {
		t.Fatalf("delete annotation: %v", err)
	}
	if len(fs.comments) != 0 {
		t.Fatalf("expected comments to cascade, %d left", len(fs.comments))
	}
	_, err = svc.AddComment(ctx, sessionFor(reader), id, "too late")
	if status, _ := statusOf(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 commenting on deleted annotation, got %d", status)
	}
}

func TestDeleteAllForArticleOnlyTouchesOwnAnnotations(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := seedUser(t, fs, "alice", "annotator")
	bob := seedUser(t, fs, "bob", "annotator")
	article := seedArticle(t, fs, "https://example.org/all", ministerText)
	ctx := context.Background()

	for _, session := range []Session{sessionFor(alice), sessionFor(alice), sessionFor(bob)} {
		if _, err := svc.CreateAnnotation(ctx, session, CreateAnnotationInput{
			ArticleID: article.ID, HighlightedText: "minister", Category: "A", Subcategory: "Euphemism (4)",
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	result, err := svc.DeleteAllForArticle(ctx, sessionFor(alice), article.ID)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if result["deleted"] != 2 {
		t.Fatalf("expected 2 deleted, got %v", result["deleted"])
	}
	remaining, _ := fs.ListAnnotationsByArticle(ctx, article.ID)
	if len(remaining) != 1 || remaining[0].UserID != bob.ID {
		t.Fatalf("expected only bob's annotation to remain, got %+v", remaining)
	}

	_, err = svc.DeleteAllForArticle(ctx, sessionFor(alice), article.ID)
	if status, _ := statusOf(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 when caller owns none, got %d", status)
	}
}

func TestListByArticleIsChronologicalWithComments(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	alice := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/list", ministerText)
	ctx := context.Background()

	var ids []int64
	for _, text := range []string{"The", "minister", "denied"} {
		created, err := svc.CreateAnnotation(ctx, sessionFor(alice), CreateAnnotationInput{
			ArticleID: article.ID, HighlightedText: text, Category: "A", Subcategory: "Euphemism (4)",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, created["id"].(int64))
	}
	if _, err := svc.AddComment(ctx, sessionFor(alice), ids[1], "note"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	items, err := svc.ListByArticle(ctx, article.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, item := range items {
		if item["id"] != ids[i] {
			t.Fatalf("position %d: expected id %d, got %v", i, ids[i], item["id"])
		}
	}
	if comments := items[1]["comments"].([]map[string]any); len(comments) != 1 {
		t.Fatalf("expected 1 comment on second annotation, got %d", len(comments))
	}
	if comments := items[0]["comments"].([]map[string]any); len(comments) != 0 {
		t.Fatalf("expected empty comments list, got %d", len(comments))
	}

	byUser, err := svc.ListByUser(ctx, "alice")
	if err != nil || len(byUser) != 3 {
		t.Fatalf("list by user: %v (%d items)", err, len(byUser))
	}

	_, err = svc.ListByArticle(ctx, 777)
	if status, _ := statusOf(t, err); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown article, got %d", status)
	}
}

func TestAnalyzeStoresReconciledCandidates(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.revisions = revisions.New(t.TempDir())
	alice := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/analyze", ministerText)
	if _, _, err := svc.revisions.Record(article.ID, revisions.Content{Title: article.Title, Text: article.Text}, "scraper", "Import article"); err != nil {
		t.Fatalf("record revision: %v", err)
	}

	var seenText string
	svc.extractor = &fakeExtractor{extractFn: func(_ context.Context, text string) ([]extractor.Candidate, error) {
		seenText = text
		return []extractor.Candidate{
			// Offsets point at the wrong place; the text is authoritative.
			{Category: "a", Subcategory: "Minimization", HighlightedText: "denied any wrongdoing", Start: intPtr(0), End: intPtr(5)},
			{Category: "A", Subcategory: "Loaded language (8)", HighlightedText: "confessed"},
			{Category: "A", Subcategory: "Euphemism (4)", HighlightedText: "THE  MINISTER"},
			{Category: "B", Subcategory: "Scapegoating (16)", HighlightedText: "   "},
		}, nil
	}}

	result, err := svc.Analyze(context.Background(), sessionFor(alice), AnalyzeInput{ArticleID: article.ID})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if seenText != ministerText {
		t.Fatalf("extractor received %q", seenText)
	}
	items := result["results"].([]BatchItem)
	if len(items) != 4 || result["model"] != "fake-model" {
		t.Fatalf("unexpected result %+v", result)
	}
	if items[0].Status != itemCreated || items[0].Annotation["start_position"] != 13 {
		t.Fatalf("expected first candidate at 13, got %+v", items[0])
	}
	if items[0].Annotation["subcategory"] != "Minimization (28)" || items[0].Annotation["category"] != "A" {
		t.Fatalf("expected canonical classification, got %+v", items[0].Annotation)
	}
	if items[1].Status != itemError || items[1].Error.Code != "SPAN_NOT_FOUND" {
		t.Fatalf("expected slot 1 SPAN_NOT_FOUND, got %+v", items[1])
	}
	if items[2].Status != itemCreated || items[2].Annotation["highlighted_text"] != "The minister" {
		t.Fatalf("normalized match should store the article slice, got %+v", items[2])
	}
	if items[3].Index != 3 || items[3].Status != itemError || items[3].Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("blank candidate should fail in its own slot, got %+v", items[3])
	}

	metadata := items[0].Annotation["article_metadata"].(map[string]any)
	if metadata["source"] != "analyzer" || metadata["model"] != "fake-model" || metadata["article_source"] != "lecourrier" {
		t.Fatalf("unexpected metadata %+v", metadata)
	}
	if hash, _ := metadata["text_revision"].(string); len(hash) != 7 {
		t.Fatalf("expected short text revision hash, got %v", metadata["text_revision"])
	}
	if items[0].Annotation["user_id"] != alice.ID {
		t.Fatalf("caller should own analyzer annotations")
	}
}

func TestAnalyzeExtractorFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.cfg.ExtractorTimeout = 20 * time.Millisecond
	alice := seedUser(t, fs, "alice", "annotator")
	article := seedArticle(t, fs, "https://example.org/slow", ministerText)

	svc.extractor = &fakeExtractor{extractFn: func(ctx context.Context, _ string) ([]extractor.Candidate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	result, err := svc.Analyze(context.Background(), sessionFor(alice), AnalyzeInput{ArticleID: article.ID})
	if err != nil {
		t.Fatalf("timeout must not fail the request: %v", err)
	}
	if items := result["results"].([]BatchItem); len(items) != 0 || result["candidates"] != 0 {
		t.Fatalf("expected zero candidates, got %+v", result)
	}
	if result["warning"] == nil {
		t.Fatal("expected a warning about the extractor")
	}

	_, err = svc.Analyze(context.Background(), sessionFor(alice), AnalyzeInput{ArticleID: article.ID, RequireAnnotations: true})
	if status, code := statusOf(t, err); status != http.StatusBadGateway || code != "EXTERNAL_SERVICE_ERROR" {
		t.Fatalf("expected 502 EXTERNAL_SERVICE_ERROR, got %d %s", status, code)
	}

	svc.extractor = extractor.None{}
	result, err = svc.Analyze(context.Background(), sessionFor(alice), AnalyzeInput{ArticleID: article.ID})
	if err != nil || result["candidates"] != 0 {
		t.Fatalf("disabled extractor should give zero candidates: %v %+v", err, result)
	}
}

func TestIngestArticleRecordsRevisionArchivesAndIndexes(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	svc.revisions = revisions.New(t.TempDir())
	searcher := &fakeSearch{}
	svc.search = searcher
	archiver := &fakeArchive{}
	svc.archive = archiver
	ctx := context.Background()

	article := store.Article{Source: "lecourrier", Link: "https://example.org/ingest", Title: "Budget", Text: "Version one."}
	saved, inserted, err := svc.IngestArticle(ctx, article, []byte("<html></html>"), time.Now(), "scraper")
	if err != nil || !inserted {
		t.Fatalf("ingest: inserted=%v err=%v", inserted, err)
	}
	article.Text = "Version two."
	if _, inserted, err = svc.IngestArticle(ctx, article, nil, time.Time{}, "scraper"); err != nil || inserted {
		t.Fatalf("re-ingest: inserted=%v err=%v", inserted, err)
	}
	// Same text again records nothing new.
	if _, _, err = svc.IngestArticle(ctx, article, nil, time.Time{}, "scraper"); err != nil {
		t.Fatalf("re-ingest unchanged: %v", err)
	}

	history, err := svc.ArticleRevisions(ctx, saved.ID, 10)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if revs := history["revisions"].([]revisions.Revision); len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}
	if len(archiver.puts) != 1 || archiver.puts[0].Link != article.Link {
		t.Fatalf("expected one archived snapshot, got %+v", archiver.puts)
	}
	if len(searcher.articles) != 3 {
		t.Fatalf("expected every ingest to be indexed, got %d", len(searcher.articles))
	}

	_, _, err = svc.IngestArticle(ctx, store.Article{Source: "lecourrier"}, nil, time.Time{}, "scraper")
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without link, got %d", status)
	}
}

func TestLoginLocksOutAfterRepeatedFailures(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 4; i++ {
		_, err := svc.Login(ctx, "10.0.0.1", "alice@example.org", "wrong password")
		if status, code := statusOf(t, err); status != http.StatusUnauthorized || code != "INVALID_CREDENTIALS" {
			t.Fatalf("attempt %d: expected 401, got %d %s", i+1, status, code)
		}
	}
	_, err := svc.Login(ctx, "10.0.0.1", "alice@example.org", "wrong password")
	if status, code := statusOf(t, err); status != http.StatusTooManyRequests || code != "TOO_MANY_ATTEMPTS" {
		t.Fatalf("fifth failure should lock out, got %d %s", status, code)
	}
	_, err = svc.Login(ctx, "10.0.0.1", "alice@example.org", "correct horse")
	if status, _ := statusOf(t, err); status != http.StatusTooManyRequests {
		t.Fatalf("locked client must be refused even with the right password, got %d", status)
	}

	session, err := svc.Login(ctx, "10.0.0.2", "alice@example.org", "correct horse")
	if err != nil {
		t.Fatalf("other client should log in: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" || session.UserName != "alice" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := svc.Login(ctx, "10.0.0.1", "alice@example.org", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.Token == first.Token || second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh should issue new tokens")
	}
	if _, err := svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("a used refresh token must not work twice")
	}
	if _, err := svc.Refresh(ctx, second.Token); err == nil {
		t.Fatal("an access token must not be accepted as a refresh token")
	}

	current, err := svc.SessionFromToken(ctx, second.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if err := svc.Logout(ctx, current, second.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, second.Token); err == nil {
		t.Fatal("access token should be revoked after logout")
	}
	if _, err := svc.Refresh(ctx, second.RefreshToken); err == nil {
		t.Fatal("refresh token should be revoked after logout")
	}
}

func TestChangePassword(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	session, err := svc.Login(ctx, "ip", "alice@example.org", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	err = svc.ChangePassword(ctx, session, "not it", "battery staple")
	if status, _ := statusOf(t, err); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong current password, got %d", status)
	}
	err = svc.ChangePassword(ctx, session, "correct horse", "short")
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for weak password, got %d", status)
	}
	if err := svc.ChangePassword(ctx, session, "correct horse", "battery staple"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, err := svc.Login(ctx, "ip", "alice@example.org", "battery staple"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := svc.Register(ctx, "alice2", "alice@example.org", "correct horse")
	if status, code := statusOf(t, err); status != http.StatusConflict || code != "EMAIL_EXISTS" {
		t.Fatalf("expected 409 EMAIL_EXISTS, got %d %s", status, code)
	}
	_, err = svc.Register(ctx, "", "bob@example.org", "correct horse")
	if status, _ := statusOf(t, err); status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing username, got %d", status)
	}
}
