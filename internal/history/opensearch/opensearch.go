package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/botfleet/internal/history"
)

// document is the indexed shape of one lifecycle event.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	Client    string    `json:"client"`
	State     string    `json:"state"`
	IPCPort   int       `json:"ipc_port,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink indexes events into one OpenSearch (or Elasticsearch) index.
type Sink struct {
	client *http.Client
	docURL string
	user   *url.Userinfo
}

// New targets index on the cluster at baseURL. Credentials in baseURL are
// sent as basic auth.
func New(baseURL, index string) (*Sink, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("opensearch url without host: %q", baseURL)
	}
	user := u.User
	u.User = nil
	u = u.JoinPath(index, "_doc")
	return &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		docURL: u.String(),
		user:   user,
	}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Row()
	body, err := json.Marshal(document{
		Timestamp: r.OccurredAt,
		Event:     r.Event,
		Client:    r.Client,
		State:     r.State,
		IPCPort:   r.IPCPort,
		Detail:    r.Detail,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != nil {
		pass, _ := s.user.Password()
		req.SetBasicAuth(s.user.Username(), pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("opensearch index %s: status %d: %s", e.Record.Name, resp.StatusCode, bytes.TrimSpace(msg))
}
