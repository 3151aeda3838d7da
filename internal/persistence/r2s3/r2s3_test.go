package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSigningKey_KnownAnswer(t *testing.T) {
	// Published SigV4 derivation example.
	got := hex.EncodeToString(signingKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam"))
	want := "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d"
	if got != want {
		t.Fatalf("signing key: got %s want %s", got, want)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "r2.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
	c, err := NewClient(Config{Endpoint: "r2.example.com/", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.endpoint != "https://r2.example.com" || c.region != "auto" {
		t.Fatalf("endpoint=%q region=%q", c.endpoint, c.region)
	}
}

func TestClient_PutFile(t *testing.T) {
	body := []byte("anchors backup bytes")
	sum := sha256.Sum256(body)

	var gotPath, gotAuth, gotHash string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotBody, _ = io.ReadAll(r.Body)
		if strings.Contains(gotPath, "denied") {
			rw.WriteHeader(http.StatusForbidden)
			_, _ = rw.Write([]byte("AccessDenied"))
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, Bucket: "anchors", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	p := filepath.Join(t.TempDir(), "anchors.yml-1.zst")
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "/backups/my anchors.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/anchors/backups/my%20anchors.zst" {
		t.Fatalf("path: %s", gotPath)
	}
	if string(gotBody) != string(body) || gotHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("body/hash mismatch: %q %s", gotBody, gotHash)
	}
	wantPrefix := "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="
	if !strings.HasPrefix(gotAuth, wantPrefix) || len(gotAuth) != len(wantPrefix)+64 {
		t.Fatalf("authorization: %s", gotAuth)
	}

	err = c.PutFile(context.Background(), "denied/x", p)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
	if err := c.PutFile(context.Background(), "/", p); err == nil {
		t.Fatalf("empty key should fail")
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	keys     []string
	failures map[string]int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[key] > 0 {
		f.failures[key]--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) string {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(rel), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	up := &fakeUploader{failures: map[string]int{"srv1/audit/residency-2026-03-01-12.jsonl.zst": 2}}
	m := NewMirror(up, root, "/srv1/", MirrorOptions{Workers: 2, Backoff: time.Millisecond}, zerolog.Nop())

	m.Enqueue(write("audit/residency-2026-03-01-12.jsonl.zst"))
	m.Enqueue(write("backups/anchors.yml-1.zst"))
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.zst"))
	m.Close()
	m.Enqueue(write("late.zst"))

	sort.Strings(up.keys)
	want := []string{"srv1/audit/residency-2026-03-01-12.jsonl.zst", "srv1/backups/anchors.yml-1.zst"}
	if strings.Join(up.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("keys: got %v want %v", up.keys, want)
	}
	st := m.Stats()
	if st.Enqueued != 3 || st.Uploaded != 2 || st.Failed != 1 || st.LastSuccess == 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil mirror stats should be zero")
	}
}
