package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilstar/brawl-backend/internal/models"
	"go.uber.org/zap"
)

const defaultTimeout = 20 * time.Second

// HTTPSettler 정산 릴레이 서비스 클라이언트
type HTTPSettler struct {
	baseURL    string
	contractID string
	client     *http.Client
	logger     *zap.Logger
}

func NewHTTPSettler(baseURL, contractID string, logger *zap.Logger) *HTTPSettler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSettler{
		baseURL:    baseURL,
		contractID: contractID,
		client:     &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

func (s *HTTPSettler) ContractID() string {
	return s.contractID
}

// StartGame 컨트랙트 start_game 호출
func (s *HTTPSettler) StartGame(ctx context.Context, session models.MatchSession) (Receipt, error) {
	req := map[string]any{
		"sessionId": SessionIDFor(session.ID),
		"player1":   session.Player1Address,
		"player2":   session.Player2Address,
	}

	var resp Receipt
	if err := postJSON(ctx, s.client, s.baseURL+"/games", req, &resp); err != nil {
		return Receipt{}, fmt.Errorf("start game: %w", err)
	}
	if resp.SessionID == 0 {
		resp.SessionID = req["sessionId"].(uint32)
	}

	s.logger.Info("On-chain session opened",
		zap.String("matchId", session.ID),
		zap.Uint32("sessionId", resp.SessionID),
		zap.String("txHash", resp.TxHash))
	return resp, nil
}

// RecordMove 컨트랙트 submit_move 호출. 트랜잭션 ID를 돌려준다.
func (s *HTTPSettler) RecordMove(ctx context.Context, sessionID uint32, sub models.MoveSubmission) (string, error) {
	req := map[string]any{
		"player":   string(sub.Role),
		"moveType": moveCode(sub.Move),
		"round":    sub.RoundNumber,
		"turn":     sub.TurnNumber,
	}

	var resp struct {
		TxID string `json:"txId"`
	}
	url := fmt.Sprintf("%s/games/%d/moves", s.baseURL, sessionID)
	if err := postJSON(ctx, s.client, url, req, &resp); err != nil {
		return "", fmt.Errorf("record move: %w", err)
	}
	return resp.TxID, nil
}

// RecordSurge 컨트랙트 submit_power_surge 호출. 트랜잭션 ID를 돌려준다.
func (s *HTTPSettler) RecordSurge(ctx context.Context, sessionID uint32, surge models.PowerSurge) (string, error) {
	req := map[string]any{
		"player":   string(surge.Role),
		"round":    surge.RoundNumber,
		"cardCode": surge.CardCode,
	}

	var resp struct {
		TxID string `json:"txId"`
	}
	url := fmt.Sprintf("%s/games/%d/surges", s.baseURL, sessionID)
	if err := postJSON(ctx, s.client, url, req, &resp); err != nil {
		return "", fmt.Errorf("record surge: %w", err)
	}
	return resp.TxID, nil
}

// EndGame 컨트랙트 end_game 호출 (player1_won)
func (s *HTTPSettler) EndGame(ctx context.Context, sessionID uint32, winner models.Winner) (Receipt, error) {
	role, ok := winner.Role()
	if !ok {
		return Receipt{}, ErrNoWinner
	}

	req := map[string]any{"player1Won": role == models.RolePlayer1}

	var resp Receipt
	url := fmt.Sprintf("%s/games/%d/end", s.baseURL, sessionID)
	if err := postJSON(ctx, s.client, url, req, &resp); err != nil {
		return Receipt{}, fmt.Errorf("end game: %w", err)
	}
	resp.SessionID = sessionID
	return resp, nil
}

// HTTPProver 증명 서비스 클라이언트
type HTTPProver struct {
	url    string
	client *http.Client
}

func NewHTTPProver(url string) *HTTPProver {
	return &HTTPProver{url: url, client: &http.Client{Timeout: 2 * time.Minute}}
}

func (p *HTTPProver) Prove(ctx context.Context, outcome Outcome) (*Proof, error) {
	var proof Proof
	if err := postJSON(ctx, p.client, p.url, outcome, &proof); err != nil {
		return nil, fmt.Errorf("prove: %w", err)
	}
	return &proof, nil
}

// StatusError 협력 서비스의 비정상 응답
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
