package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"collabSession/backend/internal/logger"
)

// ErrEvaluation 可恢复：会话保持 ACTIVE，允许重试
var ErrEvaluation = errors.New("EVALUATION_FAILED")

type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

type Result struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
}

type submitRequest struct {
	Code      string     `json:"code"`
	Language  string     `json:"language"`
	TestCases []TestCase `json:"testCases"`
}

// 执行服务返回的单个结果；有的实现只给 stdout 不给 passed
type rawResult struct {
	Actual string `json:"actual"`
	Stdout string `json:"stdout"`
	Passed *bool  `json:"passed"`
}

type submitResponse struct {
	Results []rawResult `json:"results"`
}

// Client 调用外部代码执行服务
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}}
}

// Submit 按测试用例的顺序返回结果，数量不一致视为失败
func (c *Client) Submit(ctx context.Context, code, language string, cases []TestCase) ([]Result, error) {
	body, err := json.Marshal(submitRequest{Code: code, Language: language, TestCases: cases})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrEvaluation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEvaluation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEvaluation, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEvaluation, err)
	}
	if len(out.Results) != len(cases) {
		return nil, fmt.Errorf("%w: got %d results for %d test cases", ErrEvaluation, len(out.Results), len(cases))
	}

	results := make([]Result, len(cases))
	for i, tc := range cases {
		raw := out.Results[i]
		actual := raw.Actual
		if actual == "" {
			actual = raw.Stdout
		}
		passed := strings.TrimSpace(actual) == strings.TrimSpace(tc.Expected)
		if raw.Passed != nil {
			passed = *raw.Passed
		}
		results[i] = Result{Input: tc.Input, Expected: tc.Expected, Actual: strings.TrimSpace(actual), Passed: passed}
	}
	logger.Ctx(ctx).Debug("evaluation finished", "language", language, "cases", len(cases), "took", time.Since(start))
	return results, nil
}
