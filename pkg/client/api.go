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

	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
)

// Verification 검증 응답. Ticket은 매치 토픽과 수 제출에 쓰인다.
type Verification struct {
	Ticket  string              `json:"ticket"`
	Role    models.Role         `json:"role"`
	Session models.MatchSession `json:"session"`
}

// API 서버 HTTP 클라이언트
type API struct {
	baseURL string
	http    *http.Client
}

// NewAPI httpClient가 nil이면 10초 타임아웃 클라이언트
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

func (a *API) JoinQueue(ctx context.Context, address string) (*models.QueueStatus, error) {
	var status models.QueueStatus
	err := a.do(ctx, http.MethodPost, "/api/v1/queue", "", map[string]string{"address": address}, &status)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil, ErrAlreadyQueued
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (a *API) LeaveQueue(ctx context.Context, address string) error {
	return a.do(ctx, http.MethodDelete, "/api/v1/queue", "", map[string]string{"address": address}, nil)
}

func (a *API) QueueStatus(ctx context.Context, address string) (*models.QueueStatus, error) {
	var status models.QueueStatus
	if err := a.do(ctx, http.MethodGet, "/api/v1/queue?address="+url.QueryEscape(address), "", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Verify 서버가 거절하면 ErrVerificationFailed와 APIError를 함께 감싼다
func (a *API) Verify(ctx context.Context, matchID, address string) (*Verification, error) {
	var v Verification
	path := "/api/v1/matches/" + url.PathEscape(matchID) + "/verify?address=" + url.QueryEscape(address)
	err := a.do(ctx, http.MethodGet, path, "", nil, &v)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, apiErr)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetMatch 매치 스냅샷. 재접속 시 초기 상태로 쓴다.
func (a *API) GetMatch(ctx context.Context, matchID string) (*match.Snapshot, error) {
	var snap match.Snapshot
	if err := a.do(ctx, http.MethodGet, "/api/v1/matches/"+url.PathEscape(matchID), "", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (a *API) SubmitMove(ctx context.Context, matchID, ticket string, roundNumber, turnNumber int, move models.Move) error {
	body := map[string]any{
		"roundNumber": roundNumber,
		"turnNumber":  turnNumber,
		"move":        move,
	}
	return a.do(ctx, http.MethodPost, "/api/v1/matches/"+url.PathEscape(matchID)+"/moves", ticket, body, nil)
}

// SubmitSurge 라운드 파워 서지 카드 선택
func (a *API) SubmitSurge(ctx context.Context, matchID, ticket string, roundNumber int, cardCode uint32) error {
	body := map[string]any{
		"roundNumber": roundNumber,
		"cardCode":    cardCode,
	}
	return a.do(ctx, http.MethodPost, "/api/v1/matches/"+url.PathEscape(matchID)+"/surges", ticket, body, nil)
}

func (a *API) Forfeit(ctx context.Context, matchID, ticket string) error {
	return a.do(ctx, http.MethodPost, "/api/v1/matches/"+url.PathEscape(matchID)+"/forfeit", ticket, nil, nil)
}

func (a *API) CreatePractice(ctx context.Context, address, difficulty string, seed int64) (*models.MatchSession, error) {
	var session models.MatchSession
	body := map[string]any{"address": address, "difficulty": difficulty, "seed": seed}
	if err := a.do(ctx, http.MethodPost, "/api/v1/practice", "", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (a *API) do(ctx context.Context, method, path, ticket string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ticket != "" {
		req.Header.Set("Authorization", "Bearer "+ticket)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &TransportError{Op: strings.ToLower(method), Topic: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: "read", Topic: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if resp.StatusCode == http.StatusBadRequest && e.Error == ErrWalletNotConnected.Error() {
			return ErrWalletNotConnected
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
