package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// restBackend is an httptest handler implementing the collaborator surface.
type restBackend struct {
	mux       *http.ServeMux
	putBodies map[int][]byte
	completed *completeRequest
	confirmed bool
	baseURL   string
}

func newRESTBackend(t *testing.T) (*restBackend, *httptest.Server) {
	t.Helper()
	b := &restBackend{
		mux:       http.NewServeMux(),
		putBodies: map[int][]byte{},
	}
	srv := httptest.NewServer(b.mux)
	t.Cleanup(srv.Close)
	b.baseURL = srv.URL

	b.mux.HandleFunc("POST /videos/multipart/start", func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(startResponse{UploadID: "mp-upload-1"})
	})

	b.mux.HandleFunc("POST /videos/multipart/part-url", func(w http.ResponseWriter, r *http.Request) {
		var req partURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UploadID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(partURLResponse{
			UploadURL: fmt.Sprintf("%s/storage/part/%d", b.baseURL, req.PartNumber),
		})
	})

	b.mux.HandleFunc("PUT /storage/part/{num}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var num int
		fmt.Sscanf(r.PathValue("num"), "%d", &num)
		b.putBodies[num] = body
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, num))
		w.WriteHeader(http.StatusOK)
	})

	b.mux.HandleFunc("POST /videos/multipart/complete", func(w http.ResponseWriter, r *http.Request) {
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		b.completed = &req
		json.NewEncoder(w).Encode(completeResponse{
			VideoURL: "https://cdn.example.com/videos/" + req.SessionID + "/recording.webm",
		})
	})

	b.mux.HandleFunc("POST /videos/presigned-url", func(w http.ResponseWriter, r *http.Request) {
		var req presignedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(presignedResponse{
			UploadURL: b.baseURL + "/storage/single",
			VideoKey:  "videos/" + req.SessionID + "/recording.webm",
			ExpiresIn: 3600,
		})
	})

	b.mux.HandleFunc("PUT /storage/single", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.putBodies[0] = body
		w.WriteHeader(http.StatusOK)
	})

	b.mux.HandleFunc("POST /videos/confirm-upload", func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoKey == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		b.confirmed = true
		json.NewEncoder(w).Encode(confirmResponse{
			Success:  true,
			VideoURL: "https://cdn.example.com/" + req.VideoKey,
		})
	})

	return b, srv
}

func TestRESTUploader_MultipartFlow(t *testing.T) {
	backend, srv := newRESTBackend(t)
	u := NewRESTUploader(srv.URL, srv.Client())
	ctx := context.Background()

	uploadID, err := u.Start(ctx, "session-1", "video/webm")
	if err != nil {
		t.Fatal(err)
	}
	if uploadID != "mp-upload-1" {
		t.Errorf("uploadID = %q", uploadID)
	}

	body := []byte("part-one-bytes")
	etag, err := u.UploadPart(ctx, "session-1", uploadID, 1, body)
	if err != nil {
		t.Fatal(err)
	}
	if etag != "etag-1" {
		t.Errorf("etag = %q, want etag-1 (quotes stripped)", etag)
	}
	if !bytes.Equal(backend.putBodies[1], body) {
		t.Error("part bytes not delivered to the PUT target")
	}

	videoURL, err := u.Complete(ctx, "session-1", uploadID,
		[]CompletedPart{{PartNumber: 1, ETag: etag}}, true)
	if err != nil {
		t.Fatal(err)
	}
	if videoURL == "" {
		t.Error("empty video URL from complete")
	}
	if backend.completed == nil {
		t.Fatal("complete request never reached the backend")
	}
	if !backend.completed.IsPublic {
		t.Error("visibility choice not forwarded")
	}
	if len(backend.completed.Parts) != 1 || backend.completed.Parts[0].ETag != "etag-1" {
		t.Errorf("completed parts = %+v", backend.completed.Parts)
	}
}

func TestRESTUploader_SingleShotFallback(t *testing.T) {
	backend, srv := newRESTBackend(t)
	u := NewRESTUploader(srv.URL, srv.Client())

	recording := bytes.Repeat([]byte("x"), 4096)
	videoURL, err := u.UploadSingle(context.Background(), "session-2", "video/webm", recording)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(backend.putBodies[0], recording) {
		t.Error("full recording not delivered to the presigned target")
	}
	if !backend.confirmed {
		t.Error("upload never confirmed")
	}
	if videoURL != "https://cdn.example.com/videos/session-2/recording.webm" {
		t.Errorf("videoURL = %q", videoURL)
	}
}

func TestRESTUploader_UploadPartErrorPaths(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /videos/multipart/part-url", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := NewRESTUploader(srv.URL, srv.Client())
	if _, err := u.UploadPart(context.Background(), "s", "u", 1, []byte("x")); err == nil {
		t.Fatal("upload succeeded against a failing authorization endpoint")
	}
}

func TestRESTUploader_MissingETagRejected(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("POST /videos/multipart/part-url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(partURLResponse{UploadURL: base + "/put"})
	})
	mux.HandleFunc("PUT /put", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // no ETag header
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	base = srv.URL

	u := NewRESTUploader(srv.URL, srv.Client())
	if _, err := u.UploadPart(context.Background(), "s", "u", 1, []byte("x")); err == nil {
		t.Fatal("part accepted without an etag")
	}
}
