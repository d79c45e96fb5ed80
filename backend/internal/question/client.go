package question

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collabSession/backend/internal/evaluation"
)

var (
	ErrNotFound    = errors.New("QUESTION_NOT_FOUND")
	ErrUnavailable = errors.New("QUESTION_SERVICE_UNAVAILABLE")
)

type Question struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Complexity     string   `json:"complexity"`
	Categories     []string `json:"categories"`
	PythonTemplate string   `json:"pythonTemplate"`
	JavaTemplate   string   `json:"javaTemplate"`
	CTemplate      string   `json:"cTemplate"`
	Inputs         []string `json:"inputs"`
	Outputs        []string `json:"outputs"`
}

// Template 返回该语言的初始代码，未知语言返回空串
func (q Question) Template(language string) string {
	switch strings.ToLower(language) {
	case "python", "python3", "py":
		return q.PythonTemplate
	case "java":
		return q.JavaTemplate
	case "c":
		return q.CTemplate
	default:
		return ""
	}
}

// TestCases 按 inputs/outputs 下标配对，多出来的一侧忽略
func (q Question) TestCases() []evaluation.TestCase {
	n := min(len(q.Inputs), len(q.Outputs))
	out := make([]evaluation.TestCase, n)
	for i := 0; i < n; i++ {
		out[i] = evaluation.TestCase{Input: q.Inputs[i], Expected: q.Outputs[i]}
	}
	return out
}

// Client 只读访问题库服务；同一题目并发请求合并成一次，结果缓存在进程内
type Client struct {
	baseURL string
	client  *http.Client
	sf      singleflight.Group

	mu    sync.RWMutex
	cache map[string]Question
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cache:   make(map[string]Question),
	}
}

func (c *Client) Get(ctx context.Context, id string) (Question, error) {
	c.mu.RLock()
	q, ok := c.cache[id]
	c.mu.RUnlock()
	if ok {
		return q, nil
	}

	val, err, _ := c.sf.Do(id, func() (interface{}, error) {
		q, err := c.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[id] = q
		c.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return Question{}, err
	}
	// 使用断言确保不会panic
	if q, ok := val.(Question); ok {
		return q, nil
	}
	return Question{}, errors.New("internal type error")
}

func (c *Client) fetch(ctx context.Context, id string) (Question, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/questions/"+url.PathEscape(id), nil)
	if err != nil {
		return Question{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Question{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Question{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return Question{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var q Question
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Question{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if q.ID == "" {
		q.ID = id
	}
	return q, nil
}
