package s3

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"

	"crate/internal/bucket"
	"crate/internal/syncerr"
)

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"/":        "",
		"libs/abc": "libs/abc/",
		"/libs/x/": "libs/x/",
		"single":   "single/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestObjectKeyUsesPrefix(t *testing.T) {
	b, err := New(Options{Endpoint: "https://s3.example.com", Bucket: "media", Prefix: "/lib-1/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := b.objectKey("heads/dev"); got != "lib-1/heads/dev" {
		t.Fatalf("unexpected object key %q", got)
	}
}

func TestClassifyErrors(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	if err := classify("get", "heads/dev", notFound); !bucket.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	err := classify("put", "heads/dev", denied)
	if !errors.Is(err, syncerr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	if !preconditionFailed(minio.ErrorResponse{Code: "PreconditionFailed", StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("expected precondition failure to be detected")
	}
	if preconditionFailed(denied) {
		t.Fatal("access denied is not a precondition failure")
	}
}
