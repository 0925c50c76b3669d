package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestBlobStorePutAndOpen(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs(), 0)
	ctx := context.Background()

	if _, err := store.Put(ctx, "profile_pictures/user-1", strings.NewReader("first"), "image/png"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	written, err := store.Put(ctx, "profile_pictures/user-1", strings.NewReader("second"), "image/jpeg")
	if err != nil || written != int64(len("second")) {
		t.Fatalf("overwrite failed: written=%d err=%v", written, err)
	}

	object, err := store.Open(ctx, "profile_pictures/user-1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer object.Body.Close()
	body, err := io.ReadAll(object.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(body) != "second" || object.ContentType != "image/jpeg" || object.Size != 6 {
		t.Fatalf("unexpected object %q %+v", body, object)
	}
}

func TestBlobStoreRejectsOversizedUpload(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs(), 4)
	ctx := context.Background()
	if _, err := store.Put(ctx, "a/b", strings.NewReader("12345"), "image/png"); !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("expected too large error, got %v", err)
	}
	if _, err := store.Open(ctx, "a/b"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected rejected upload to leave nothing behind, got %v", err)
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "/etc/passwd", "../secret", "a/../../b", "a//b", `a\b`, "a/b.content-type"} {
		if _, err := CleanKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected %q to be rejected, got %v", key, err)
		}
	}
	if cleaned, err := CleanKey("profile_pictures/user-1"); err != nil || cleaned != "profile_pictures/user-1" {
		t.Fatalf("unexpected clean result %q err=%v", cleaned, err)
	}
}
