package client

import "time"

// Config 클라이언트 설정
type Config struct {
	// BaseURL 예: http://localhost:8080
	BaseURL string
	// WSURL 예: ws://localhost:8080/api/v1/ws
	WSURL string

	PollInterval  time.Duration
	VerifyTimeout time.Duration
	// CancelGrace 종료/취소 이벤트 후 정리까지 기다리는 시간 (사유 표시용)
	CancelGrace time.Duration
}

// DefaultConfig 기본 설정
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		WSURL:         "ws://localhost:8080/api/v1/ws",
		PollInterval:  2 * time.Second,
		VerifyTimeout: 5 * time.Second,
		CancelGrace:   3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.WSURL == "" {
		c.WSURL = d.WSURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	return c
}
