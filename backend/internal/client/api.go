package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabnote/backend/internal/store"
)

var ErrNotFound = errors.New("document not found")

// StatusError is a non-2xx response from the document API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document api: %d %s", e.Code, e.Message)
}

// DocumentAPI is a bearer-authenticated client for /api/documents. It serves
// as the reconciliation loader and persister.
type DocumentAPI struct {
	base   string
	token  string
	client *http.Client
}

func NewDocumentAPI(baseURL, token string, client *http.Client) *DocumentAPI {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DocumentAPI{base: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (a *DocumentAPI) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func docPath(docID string, rest ...string) string {
	return "/api/documents/" + url.PathEscape(docID) + strings.Join(rest, "")
}

func (a *DocumentAPI) List(ctx context.Context) ([]store.Document, error) {
	var out struct {
		Documents []store.Document `json:"documents"`
	}
	err := a.do(ctx, http.MethodGet, "/api/documents", nil, &out)
	return out.Documents, err
}

func (a *DocumentAPI) Create(ctx context.Context, title, content string) (*store.Document, error) {
	var doc store.Document
	body := map[string]string{"title": title, "content": content}
	if err := a.do(ctx, http.MethodPost, "/api/documents", body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (a *DocumentAPI) Get(ctx context.Context, docID string) (*store.Document, error) {
	var doc store.Document
	if err := a.do(ctx, http.MethodGet, docPath(docID), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (a *DocumentAPI) UpdateTitle(ctx context.Context, docID, title string) error {
	return a.do(ctx, http.MethodPut, docPath(docID, "/title"), map[string]string{"title": title}, nil)
}

func (a *DocumentAPI) Delete(ctx context.Context, docID string) error {
	return a.do(ctx, http.MethodDelete, docPath(docID), nil, nil)
}

func (a *DocumentAPI) ListCollaborators(ctx context.Context, docID string) ([]string, error) {
	var out struct {
		Collaborators []string `json:"collaborators"`
	}
	err := a.do(ctx, http.MethodGet, docPath(docID, "/collaborators"), nil, &out)
	return out.Collaborators, err
}

func (a *DocumentAPI) AddCollaborator(ctx context.Context, docID, userID string) error {
	return a.do(ctx, http.MethodPost, docPath(docID, "/collaborators"), map[string]string{"userId": userID}, nil)
}

func (a *DocumentAPI) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	return a.do(ctx, http.MethodDelete, docPath(docID, "/collaborators/", url.PathEscape(userID)), nil, nil)
}

// LoadContent returns the flattened content of a document.
func (a *DocumentAPI) LoadContent(ctx context.Context, docID string) (string, error) {
	doc, err := a.Get(ctx, docID)
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

// SaveContent overwrites the flattened content.
func (a *DocumentAPI) SaveContent(ctx context.Context, docID, content string) error {
	return a.do(ctx, http.MethodPut, docPath(docID, "/content"), map[string]string{"content": content}, nil)
}
