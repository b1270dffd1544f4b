package memhost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/scrypster/tiermem/internal/breaker"
	"github.com/scrypster/tiermem/pkg/types"
)

const serviceName = "memory host"

// HTTPConfig configures the REST adapter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each request. Default: 30 seconds
	Timeout time.Duration

	// RetryCount is the number of retries on 429/5xx and network errors.
	// Default: 2
	RetryCount int

	// RequestsPerSecond caps outgoing requests. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// Breaker overrides the default circuit breaker.
	Breaker *breaker.Breaker
}

// HTTPClient talks to a Letta-compatible memory host over REST.
type HTTPClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
}

// NewHTTPClient validates cfg and builds a client. A missing base URL or API
// key returns types.ErrNotConfigured.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("memory host base URL: %w", types.ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("memory host API key: %w", types.ErrNotConfigured)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	// Negative disables retries.
	switch {
	case cfg.RetryCount == 0:
		cfg.RetryCount = 2
	case cfg.RetryCount < 0:
		cfg.RetryCount = 0
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return false
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
		})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	b := cfg.Breaker
	if b == nil {
		b = breaker.New("memhost")
	}

	return &HTTPClient{client: client, limiter: limiter, breaker: b}, nil
}

// Host returns the client exposed as the four service interfaces.
func (c *HTTPClient) Host() *Host {
	return &Host{
		Blocks:   blockAPI{c},
		Passages: passageAPI{c},
		Messages: messageAPI{c},
		Agents:   agentAPI{c},
	}
}

// NewHTTPHost is a shorthand for NewHTTPClient(cfg) followed by Host().
func NewHTTPHost(cfg HTTPConfig) (*Host, error) {
	c, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return c.Host(), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	_, err := breaker.Do(ctx, c.breaker, func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		req := c.client.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		if len(query) > 0 {
			req.SetQueryParamsFromValues(query)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s %s %s: %w", serviceName, method, path, err)
		}
		if resp.IsError() {
			return struct{}{}, types.NewRemoteAPIError(serviceName, resp.StatusCode(), resp.String())
		}
		return struct{}{}, nil
	})
	return err
}

// wire shapes

type wireBlock struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Value    string `json:"value"`
	Limit    int    `json:"limit"`
	ReadOnly bool   `json:"read_only"`
}

func (w wireBlock) toBlock() *types.MemoryBlock {
	return &types.MemoryBlock{ID: w.ID, Label: w.Label, Value: w.Value, Limit: w.Limit, ReadOnly: w.ReadOnly}
}

type wirePassage struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wirePassage) toPassage() types.ArchivalPassage {
	return types.ArchivalPassage{ID: w.ID, AgentID: w.AgentID, Content: w.Text, CreatedAt: w.CreatedAt}
}

type wireMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wireMessage) toMessage(agentID string) types.Message {
	return types.Message{ID: w.ID, AgentID: agentID, Role: types.MessageRole(w.Role), Content: w.Content, CreatedAt: w.CreatedAt}
}

type wireAgent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Memory    struct {
		Blocks []wireBlock `json:"blocks"`
	} `json:"memory"`
}

func (w wireAgent) toAgent() types.Agent {
	a := types.Agent{ID: w.ID, Name: w.Name, CreatedAt: w.CreatedAt}
	for _, b := range w.Memory.Blocks {
		a.BlockIDs = append(a.BlockIDs, b.ID)
	}
	return a
}

// blocks

type blockAPI struct{ c *HTTPClient }

func (a blockAPI) Create(ctx context.Context, block BlockCreate) (*types.MemoryBlock, error) {
	var out wireBlock
	if err := a.c.do(ctx, http.MethodPost, "/v1/blocks", nil, block, &out); err != nil {
		return nil, err
	}
	return out.toBlock(), nil
}

func (a blockAPI) Get(ctx context.Context, id string) (*types.MemoryBlock, error) {
	var out wireBlock
	if err := a.c.do(ctx, http.MethodGet, "/v1/blocks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.toBlock(), nil
}

func (a blockAPI) Update(ctx context.Context, id, value string) (*types.MemoryBlock, error) {
	var out wireBlock
	body := map[string]string{"value": value}
	if err := a.c.do(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return out.toBlock(), nil
}

func (a blockAPI) List(ctx context.Context, label string) ([]types.MemoryBlock, error) {
	var out []wireBlock
	query := url.Values{}
	if label != "" {
		query.Set("label", label)
	}
	if err := a.c.do(ctx, http.MethodGet, "/v1/blocks", query, nil, &out); err != nil {
		return nil, err
	}
	blocks := make([]types.MemoryBlock, 0, len(out))
	for _, w := range out {
		blocks = append(blocks, *w.toBlock())
	}
	return blocks, nil
}

func (a blockAPI) Attach(ctx context.Context, agentID, blockID string) error {
	path := fmt.Sprintf("/v1/agents/%s/core-memory/blocks/attach/%s", url.PathEscape(agentID), url.PathEscape(blockID))
	return a.c.do(ctx, http.MethodPatch, path, nil, nil, nil)
}

func (a blockAPI) Detach(ctx context.Context, agentID, blockID string) error {
	path := fmt.Sprintf("/v1/agents/%s/core-memory/blocks/detach/%s", url.PathEscape(agentID), url.PathEscape(blockID))
	return a.c.do(ctx, http.MethodPatch, path, nil, nil, nil)
}

func (a blockAPI) Delete(ctx context.Context, id string) error {
	return a.c.do(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(id), nil, nil, nil)
}

// passages

type passageAPI struct{ c *HTTPClient }

func archivalPath(agentID string) string {
	return fmt.Sprintf("/v1/agents/%s/archival-memory", url.PathEscape(agentID))
}

func (a passageAPI) Insert(ctx context.Context, agentID, content string) (*types.ArchivalPassage, error) {
	// The host answers with the list of passages it created.
	var out []wirePassage
	body := map[string]string{"text": content}
	if err := a.c.do(ctx, http.MethodPost, archivalPath(agentID), nil, body, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return &types.ArchivalPassage{AgentID: agentID, Content: content, CreatedAt: time.Now().UTC()}, nil
	}
	p := out[0].toPassage()
	return &p, nil
}

func (a passageAPI) Search(ctx context.Context, agentID, query string, limit int) ([]string, error) {
	var out []wirePassage
	q := url.Values{}
	q.Set("search", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := a.c.do(ctx, http.MethodGet, archivalPath(agentID), q, nil, &out); err != nil {
		return nil, err
	}
	results := make([]string, 0, len(out))
	for _, w := range out {
		results = append(results, w.Text)
	}
	return results, nil
}

func (a passageAPI) List(ctx context.Context, agentID string, limit int) ([]types.ArchivalPassage, error) {
	var out []wirePassage
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := a.c.do(ctx, http.MethodGet, archivalPath(agentID), q, nil, &out); err != nil {
		return nil, err
	}
	passages := make([]types.ArchivalPassage, 0, len(out))
	for _, w := range out {
		passages = append(passages, w.toPassage())
	}
	return passages, nil
}

// messages

type messageAPI struct{ c *HTTPClient }

func messagesPath(agentID string) string {
	return fmt.Sprintf("/v1/agents/%s/messages", url.PathEscape(agentID))
}

func (a messageAPI) Send(ctx context.Context, agentID, content string, role types.MessageRole) (*types.Message, error) {
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	body := map[string]any{
		"messages": []map[string]string{{"role": string(role), "content": content}},
	}
	if err := a.c.do(ctx, http.MethodPost, messagesPath(agentID), nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return &types.Message{AgentID: agentID, Role: role, Content: content, CreatedAt: time.Now().UTC()}, nil
	}
	m := out.Messages[0].toMessage(agentID)
	return &m, nil
}

func (a messageAPI) List(ctx context.Context, agentID string, limit int) ([]types.Message, error) {
	var out []wireMessage
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := a.c.do(ctx, http.MethodGet, messagesPath(agentID), q, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(out))
	for _, w := range out {
		msgs = append(msgs, w.toMessage(agentID))
	}
	return msgs, nil
}

func (a messageAPI) Search(ctx context.Context, agentID, query string, opts MessageSearch) ([]types.MessageHit, error) {
	body := map[string]any{"query": query}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}
	if opts.Start != nil {
		body["start_date"] = opts.Start.UTC().Format(time.RFC3339)
	}
	if opts.End != nil {
		body["end_date"] = opts.End.UTC().Format(time.RFC3339)
	}

	var out []struct {
		Message  wireMessage `json:"message"`
		Rank     int         `json:"rank"`
		RRFScore *float64    `json:"rrf_score"`
	}
	if err := a.c.do(ctx, http.MethodPost, messagesPath(agentID)+"/search", nil, body, &out); err != nil {
		return nil, err
	}
	hits := make([]types.MessageHit, 0, len(out))
	for i, w := range out {
		rank := w.Rank
		if rank == 0 {
			rank = i + 1
		}
		hits = append(hits, types.MessageHit{Message: w.Message.toMessage(agentID), Rank: rank, Score: w.RRFScore})
	}
	return hits, nil
}

// agents

type agentAPI struct{ c *HTTPClient }

func (a agentAPI) Create(ctx context.Context, name, systemPrompt string, blockIDs []string) (*types.Agent, error) {
	var out wireAgent
	body := map[string]any{"name": name, "system": systemPrompt, "block_ids": blockIDs}
	if err := a.c.do(ctx, http.MethodPost, "/v1/agents", nil, body, &out); err != nil {
		return nil, err
	}
	agent := out.toAgent()
	return &agent, nil
}

func (a agentAPI) Get(ctx context.Context, id string) (*types.Agent, error) {
	var out wireAgent
	if err := a.c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	agent := out.toAgent()
	return &agent, nil
}

func (a agentAPI) List(ctx context.Context) ([]types.Agent, error) {
	var out []wireAgent
	if err := a.c.do(ctx, http.MethodGet, "/v1/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	agents := make([]types.Agent, 0, len(out))
	for _, w := range out {
		agents = append(agents, w.toAgent())
	}
	return agents, nil
}

func (a agentAPI) Delete(ctx context.Context, id string) error {
	return a.c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(id), nil, nil, nil)
}
