package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTUploader drives the collaborator REST surface: the backend authorizes
// each step and hands back presigned PUT targets, so recording bytes go
// straight to storage without passing through the backend.
type RESTUploader struct {
	baseURL string
	client  *http.Client
}

// NewRESTUploader creates an uploader against the given API base URL, for
// example "https://api.example.com/api/v1".
func NewRESTUploader(baseURL string, client *http.Client) *RESTUploader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RESTUploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type startRequest struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`
}

type startResponse struct {
	UploadID string `json:"upload_id"`
}

type partURLRequest struct {
	SessionID  string `json:"session_id"`
	UploadID   string `json:"upload_id"`
	PartNumber int    `json:"part_number"`
}

type partURLResponse struct {
	UploadURL string `json:"upload_url"`
}

type completeRequest struct {
	SessionID string          `json:"session_id"`
	UploadID  string          `json:"upload_id"`
	Parts     []CompletedPart `json:"parts"`
	IsPublic  bool            `json:"is_public"`
}

type completeResponse struct {
	VideoURL string `json:"video_url"`
}

// Start opens a multipart upload through the backend.
func (u *RESTUploader) Start(ctx context.Context, sessionID, contentType string) (string, error) {
	var resp startResponse
	err := u.postJSON(ctx, "/videos/multipart/start", startRequest{
		SessionID:   sessionID,
		ContentType: contentType,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.UploadID == "" {
		return "", fmt.Errorf("upload: backend returned empty upload id")
	}
	return resp.UploadID, nil
}

// UploadPart requests a single-use PUT target for the part number, then
// PUTs the raw bytes to it. The part's etag comes back in the response
// header.
func (u *RESTUploader) UploadPart(ctx context.Context, sessionID, uploadID string, partNumber int, body []byte) (string, error) {
	var authz partURLResponse
	err := u.postJSON(ctx, "/videos/multipart/part-url", partURLRequest{
		SessionID:  sessionID,
		UploadID:   uploadID,
		PartNumber: partNumber,
	}, &authz)
	if err != nil {
		return "", err
	}
	if authz.UploadURL == "" {
		return "", fmt.Errorf("upload: backend returned empty part url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, authz.UploadURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(body))

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: put part %d: %w", partNumber, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: put part %d: status %d", partNumber, resp.StatusCode)
	}
	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("upload: put part %d: no etag in response", partNumber)
	}
	return etag, nil
}

// Complete finalizes the multipart upload with the visibility choice and
// returns the stored object's URL.
func (u *RESTUploader) Complete(ctx context.Context, sessionID, uploadID string, parts []CompletedPart, isPublic bool) (string, error) {
	var resp completeResponse
	err := u.postJSON(ctx, "/videos/multipart/complete", completeRequest{
		SessionID: sessionID,
		UploadID:  uploadID,
		Parts:     parts,
		IsPublic:  isPublic,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.VideoURL, nil
}

type presignedRequest struct {
	SessionID   string `json:"session_id"`
	ContentType string `json:"content_type"`
}

type presignedResponse struct {
	UploadURL string `json:"upload_url"`
	VideoKey  string `json:"video_key"`
	ExpiresIn int    `json:"expires_in"`
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	VideoKey  string `json:"video_key"`
}

type confirmResponse struct {
	Success  bool   `json:"success"`
	VideoURL string `json:"video_url"`
}

// UploadSingle is the fallback path for recordings whose multipart upload
// never started: one presigned PUT of the full session buffer, then a
// confirmation round trip. Returns the stored object's URL.
func (u *RESTUploader) UploadSingle(ctx context.Context, sessionID, contentType string, body []byte) (string, error) {
	var presigned presignedResponse
	err := u.postJSON(ctx, "/videos/presigned-url", presignedRequest{
		SessionID:   sessionID,
		ContentType: contentType,
	}, &presigned)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: put recording: %w", err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload: put recording: status %d", resp.StatusCode)
	}

	var confirm confirmResponse
	err = u.postJSON(ctx, "/videos/confirm-upload", confirmRequest{
		SessionID: sessionID,
		VideoKey:  presigned.VideoKey,
	}, &confirm)
	if err != nil {
		return "", err
	}
	if !confirm.Success {
		return "", fmt.Errorf("upload: backend did not confirm recording")
	}
	return confirm.VideoURL, nil
}

type analysisRequest struct {
	VideoURL string `json:"video_url"`
}

// UpdateAnalysisRecord attaches the stored recording URL to the session's
// analysis record.
func (u *RESTUploader) UpdateAnalysisRecord(ctx context.Context, sessionID, videoURL string) error {
	return u.postJSON(ctx, "/negotiation/"+sessionID+"/video", analysisRequest{
		VideoURL: videoURL,
	}, nil)
}

func (u *RESTUploader) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post %s: %w", path, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload: post %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("upload: decode %s response: %w", path, err)
	}
	return nil
}

// drainClose consumes the remainder of a response body so the connection
// can be reused, then closes it.
func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	body.Close()
}
