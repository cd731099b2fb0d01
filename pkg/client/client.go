package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"lsmkv/pkg/dberrors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 3 * time.Second

// HTTPStore talks to a running lsmkv server.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type response struct {
	Status string `json:"status"`
	Value  string `json:"value"`
	Items  []Item `json:"items"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

var codeErrors = map[string]error{
	"invalid_argument": dberrors.ErrInvalidArgument,
	"memtable_full":    dberrors.ErrMemtableFull,
	"flush_stuck":      dberrors.ErrFlushStuck,
	"log_unavailable":  dberrors.ErrLogUnavailable,
	"closed":           dberrors.ErrClosed,
}

func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (s *HTTPStore) PutString(ctx context.Context, key, value string) error {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/api/string", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = s.do(req)
	if err != nil {
		return fmt.Errorf("PUT %q: %w", key, err)
	}
	return nil
}

func (s *HTTPStore) GetString(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/string?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", false, err
	}

	resp, err := s.do(req)
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("GET %q: %w", key, err)
	}
	return resp.Value, true, nil
}

func (s *HTTPStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/api?key="+url.QueryEscape(key), nil)
	if err != nil {
		return err
	}

	if _, err := s.do(req); err != nil {
		return fmt.Errorf("DELETE %q: %w", key, err)
	}
	return nil
}

// Scan returns up to limit pairs with keys >= start.
func (s *HTTPStore) Scan(ctx context.Context, start string, limit int) ([]Item, error) {
	q := url.Values{}
	q.Set("start", start)
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/scan?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("SCAN: %w", err)
	}
	return resp.Items, nil
}

// Stats returns the raw stats document.
func (s *HTTPStore) Stats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/monitor/stats", nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("STATS failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("STATS status=%d body=%s", resp.StatusCode, string(b))
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return stats, nil
}

func (s *HTTPStore) RetryFlush(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/monitor/flush/retry", nil)
	if err != nil {
		return err
	}
	if _, err := s.do(req); err != nil {
		return fmt.Errorf("RETRY FLUSH: %w", err)
	}
	return nil
}

// do sends req and maps error responses back to the store sentinels.
func (s *HTTPStore) do(req *http.Request) (response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}

	var r response
	if err := json.Unmarshal(b, &r); err != nil {
		return response{}, fmt.Errorf("decode: %w body=%s", err, string(b))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return r, nil
	case resp.StatusCode == http.StatusNotFound:
		return r, dberrors.ErrNotFound
	}

	if sentinel, ok := codeErrors[r.Code]; ok {
		return r, fmt.Errorf("%w: %s", sentinel, r.Error)
	}
	return r, fmt.Errorf("status=%d error=%s", resp.StatusCode, r.Error)
}
