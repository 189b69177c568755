// Package community предоставляет клиент для внешней платформы сообщества.
package community

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

	"github.com/hashicorp/go-retryablehttp"
)

// ExternalServiceError описывает неуспешный ответ платформы сообщества.
// Тело ответа сохраняется как деталь ошибки.
type ExternalServiceError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("community %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Client инкапсулирует HTTP-взаимодействие с платформой сообщества.
// Без API-ключа или идентификатора сообщества клиент отключён: обе операции
// завершаются успешно без обращения к сети.
type Client struct {
	baseURL     string
	apiKey      string
	communityID string
	httpClient  *http.Client
}

// Member описывает участника сообщества в ответе на поиск.
type Member struct {
	ID    json.Number `json:"id"`
	Email string      `json:"email"`
}

type createMemberRequest struct {
	CommunityID    string `json:"community_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	SkipInvitation bool   `json:"skip_invitation"`
}

// NewClient создаёт клиент платформы сообщества. Сетевые вызовы выполняются
// с ограниченным числом повторов: обращения к внешней платформе — самое
// вероятное место временных сбоев.
func NewClient(baseURL, apiKey, communityID string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	httpClient := rc.StandardClient()
	httpClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		communityID: communityID,
		httpClient:  httpClient,
	}
}

// Enabled сообщает, настроен ли доступ к платформе сообщества.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != "" && c.communityID != ""
}

// UpsertMember добавляет участника в сообщество. Предварительной проверки
// существования нет: ответ вида «уже существует» считается успехом, что
// делает операцию идемпотентной.
func (c *Client) UpsertMember(ctx context.Context, email, name string) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(createMemberRequest{
		CommunityID:    c.communityID,
		Email:          email,
		Name:           name,
		SkipInvitation: false,
	})
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/community_members", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	if isAlreadyExists(string(respBody)) {
		return nil
	}

	return &ExternalServiceError{
		Operation:  "create member",
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	}
}

// RemoveMember удаляет участника из сообщества по email. Сначала выполняется
// поиск: отсутствие совпадений — успешный no-op, иначе удаляется первый
// найденный участник по идентификатору.
func (c *Client) RemoveMember(ctx context.Context, email string) error {
	if !c.Enabled() {
		return nil
	}

	members, err := c.searchMembers(ctx, email)
	if err != nil {
		return err
	}

	if len(members) == 0 {
		return nil
	}

	deleteURL := fmt.Sprintf("%s/community_members/%s?community_id=%s",
		c.baseURL, members[0].ID.String(), url.QueryEscape(c.communityID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return &ExternalServiceError{
		Operation:  "delete member",
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	}
}

func (c *Client) searchMembers(ctx context.Context, email string) ([]Member, error) {
	searchURL := fmt.Sprintf("%s/community_members?community_id=%s&email=%s",
		c.baseURL, url.QueryEscape(c.communityID), url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &ExternalServiceError{
			Operation:  "search members",
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	var members []Member
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return members, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func isAlreadyExists(body string) bool {
	return strings.Contains(strings.ToLower(body), "already")
}
