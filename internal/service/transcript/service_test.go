package transcript

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reviewchat/internal/models"
	"reviewchat/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A second pool connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestDB(t))
}

func mustCreateSession(t *testing.T, svc *Service) *models.Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), "", "analyze", "openai", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestCreateSessionSeedsGreeting(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)

	if session.Title != "New Conversation" {
		t.Fatalf("default title = %q", session.Title)
	}
	_, turns, err := svc.GetSessionWithTurns(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want seeded greeting only", len(turns))
	}
	if turns[0].Role != models.RoleAssistant || turns[0].Text != Greeting {
		t.Fatalf("seed turn = %s %q", turns[0].Role, turns[0].Text)
	}
}

func TestAppendTurnRoundTrip(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	stored, err := svc.AppendTurn(ctx, models.Turn{
		SessionID: session.ID,
		Role:      models.RoleUser,
		Text:      "what do reviews say?",
		Parts: []models.ContentPart{
			{Type: models.PartText, Text: "wrapped prompt"},
			{Type: models.PartImage, ImageURL: "data:image/png;base64,aGk=", MimeType: "image/png"},
		},
		AttachedFileIDs: []int64{4, 9},
	})
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("stored turn has no id")
	}

	_, turns, err := svc.GetSessionWithTurns(ctx, session.ID)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want greeting + user", len(turns))
	}
	got := turns[1]
	if got.Text != "what do reviews say?" {
		t.Fatalf("text = %q", got.Text)
	}
	if len(got.Parts) != 2 || got.Parts[1].ImageURL != "data:image/png;base64,aGk=" {
		t.Fatalf("parts = %+v", got.Parts)
	}
	if len(got.AttachedFileIDs) != 2 || got.AttachedFileIDs[0] != 4 {
		t.Fatalf("attached file ids = %v", got.AttachedFileIDs)
	}
}

func TestAppendTurnRejectsEmpty(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)

	if _, err := svc.AppendTurn(context.Background(), models.Turn{SessionID: session.ID, Role: models.RoleUser, Text: "  "}); err == nil {
		t.Fatal("empty turn must be rejected")
	}
	if _, err := svc.AppendTurn(context.Background(), models.Turn{Role: models.RoleUser, Text: "hi"}); err == nil {
		t.Fatal("turn without session must be rejected")
	}
}

func TestUpdateSessionTitle(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	if err := svc.UpdateSessionTitle(ctx, session.ID, "Battery life questions"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	got, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Title != "Battery life questions" {
		t.Fatalf("title = %q", got.Title)
	}
	if err := svc.UpdateSessionTitle(ctx, session.ID+100, "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing session err = %v, want ErrNoRows", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	if _, err := svc.RecordUpload(ctx, session.ID, "a.txt", "/tmp/a.txt", "text/plain", 10, time.Hour); err != nil {
		t.Fatalf("record upload: %v", err)
	}
	if err := svc.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := svc.GetSession(ctx, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("get deleted session err = %v, want ErrNoRows", err)
	}
	files, err := svc.ListSessionUploads(ctx, session.ID)
	if err != nil {
		t.Fatalf("list uploads: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("uploads survived deletion: %d", len(files))
	}
	if err := svc.DeleteSession(ctx, session.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("double delete err = %v, want ErrNoRows", err)
	}
}

func TestUploadLifecycle(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	id1, err := svc.RecordUpload(ctx, session.ID, "first.txt", "/tmp/first.txt", "text/plain", 100, time.Hour)
	if err != nil {
		t.Fatalf("record first: %v", err)
	}
	id2, err := svc.RecordUpload(ctx, session.ID, "second.png", "/tmp/second.png", "image/png", 200, time.Hour)
	if err != nil {
		t.Fatalf("record second: %v", err)
	}

	files, err := svc.ListSessionUploads(ctx, session.ID)
	if err != nil {
		t.Fatalf("list uploads: %v", err)
	}
	if len(files) != 2 || files[0].ID != id1 || files[1].ID != id2 {
		t.Fatalf("upload order = %+v", files)
	}

	processed, err := svc.ProcessedUploadIDs(ctx, session.ID)
	if err != nil {
		t.Fatalf("processed ids: %v", err)
	}
	if len(processed) != 0 {
		t.Fatalf("fresh uploads already processed: %v", processed)
	}

	if err := svc.MarkUploadsProcessed(ctx, session.ID, []int64{id1}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	processed, err = svc.ProcessedUploadIDs(ctx, session.ID)
	if err != nil {
		t.Fatalf("processed ids: %v", err)
	}
	if _, ok := processed[id1]; !ok || len(processed) != 1 {
		t.Fatalf("processed set = %v", processed)
	}

	usage, err := svc.StorageUsage(ctx, session.ID)
	if err != nil {
		t.Fatalf("storage usage: %v", err)
	}
	if usage != 300 {
		t.Fatalf("usage = %d, want 300", usage)
	}
}

func TestUploadsByIDsKeepsRequestOrder(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	id1, _ := svc.RecordUpload(ctx, session.ID, "a.txt", "/tmp/a.txt", "text/plain", 1, time.Hour)
	id2, _ := svc.RecordUpload(ctx, session.ID, "b.txt", "/tmp/b.txt", "text/plain", 1, time.Hour)

	files, err := svc.UploadsByIDs(ctx, session.ID, []int64{id2, id1})
	if err != nil {
		t.Fatalf("uploads by ids: %v", err)
	}
	if len(files) != 2 || files[0].ID != id2 || files[1].ID != id1 {
		t.Fatalf("order = %v, %v", files[0].ID, files[1].ID)
	}
	if _, err := svc.UploadsByIDs(ctx, session.ID, []int64{id2, 9999}); err == nil {
		t.Fatal("unknown id must be rejected")
	}
}

func TestExpiredUploadsAreHidden(t *testing.T) {
	svc := newTestService(t)
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	if _, err := svc.RecordUpload(ctx, session.ID, "gone.txt", "/tmp/gone.txt", "text/plain", 5, time.Nanosecond); err != nil {
		t.Fatalf("record upload: %v", err)
	}
	files, err := svc.ListSessionUploads(ctx, session.ID)
	if err != nil {
		t.Fatalf("list uploads: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expired upload still listed: %+v", files)
	}
	usage, err := svc.StorageUsage(ctx, session.ID)
	if err != nil {
		t.Fatalf("storage usage: %v", err)
	}
	if usage != 0 {
		t.Fatalf("expired upload counted in usage: %d", usage)
	}
}

func TestSessionAPIKeyRoundTrip(t *testing.T) {
	t.Setenv(secretKeyEnv, "0123456789abcdef0123456789abcdef")
	svc := NewService(newTestDB(t))
	session := mustCreateSession(t, svc)
	ctx := context.Background()

	key, err := svc.SessionAPIKey(ctx, session.ID)
	if err != nil {
		t.Fatalf("lookup without override: %v", err)
	}
	if key != "" {
		t.Fatalf("unexpected key %q", key)
	}

	if err := svc.SetSessionAPIKey(ctx, session.ID, "sk-test-override"); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	key, err = svc.SessionAPIKey(ctx, session.ID)
	if err != nil {
		t.Fatalf("get api key: %v", err)
	}
	if key != "sk-test-override" {
		t.Fatalf("key = %q", key)
	}

	// The stored column never holds the key in the clear.
	var cipherText string
	if err := svc.db.QueryRowContext(ctx, `SELECT api_key_cipher FROM sessions WHERE id = ?`, session.ID).Scan(&cipherText); err != nil {
		t.Fatalf("read cipher: %v", err)
	}
	if cipherText == "sk-test-override" || cipherText == "" {
		t.Fatalf("cipher column = %q", cipherText)
	}
}

func TestSetSessionAPIKeyWithoutSecret(t *testing.T) {
	t.Setenv(secretKeyEnv, "")
	svc := NewService(newTestDB(t))
	session := mustCreateSession(t, svc)

	if err := svc.SetSessionAPIKey(context.Background(), session.ID, "sk-x"); err == nil {
		t.Fatal("override must be rejected without a secret key")
	}
}
