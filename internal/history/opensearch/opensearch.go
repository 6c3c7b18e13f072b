// Package opensearch indexes history events into an OpenSearch (or
// Elasticsearch) index over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/portkill/internal/history"
)

const defaultTimeout = 5 * time.Second

// Sink POSTs each event to <base>/<index>/_doc and reads them back with
// _search sorted by @timestamp.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// document is the indexed shape; @timestamp lets dashboards pick up the
// time field without a mapping.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	Source    string            `json:"source"`
	Port      int               `json:"port,omitempty"`
	PID       int               `json:"pid,omitempty"`
	Name      string            `json:"name,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(document{
		Timestamp: e.OccurredAt.UTC(),
		Type:      e.Type,
		Source:    e.Source,
		Port:      e.Port,
		PID:       e.PID,
		Name:      e.Name,
		Detail:    e.Detail,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.post(ctx, "/_doc", body)
	return err
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q, err := json.Marshal(map[string]any{
		"size": limit,
		"sort": []any{map[string]any{"@timestamp": map[string]string{"order": "desc"}}},
	})
	if err != nil {
		return nil, err
	}
	data, err := s.post(ctx, "/_search", q)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode opensearch hits: %w", err)
	}
	out := make([]history.Event, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		d := h.Source
		out = append(out, history.Event{
			Type:       d.Type,
			OccurredAt: d.Timestamp,
			Source:     d.Source,
			Port:       d.Port,
			PID:        d.PID,
			Name:       d.Name,
			Detail:     d.Detail,
		})
	}
	return out, nil
}

func (s *Sink) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	u := s.baseURL + "/" + s.index + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("opensearch %s: status %d", path, resp.StatusCode)
	}
	return data, nil
}
