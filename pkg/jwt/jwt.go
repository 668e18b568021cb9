package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims 매치 티켓. 검증을 통과한 참가자에게만 발급된다.
type Claims struct {
	MatchID string `json:"matchId"`
	Address string `json:"address"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secretKey string
	duration  time.Duration
	now       func() time.Time
}

// NewJWTManager JWT 매니저 생성
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey: secretKey,
		duration:  duration,
		now:       time.Now,
	}
}

// Generate 매치 티켓 발급
func (m *JWTManager) Generate(matchID, address, role string) (string, error) {
	now := m.now()
	claims := Claims{
		MatchID: matchID,
		Address: address,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.secretKey))
}

// Verify 토큰 검증 및 Claims 추출
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			// 알고리즘 확인
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return []byte(m.secretKey), nil
		},
		jwt.WithTimeFunc(m.now),
	)

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.MatchID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// VerifyFor 특정 매치의 티켓인지까지 확인
func (m *JWTManager) VerifyFor(tokenString, matchID string) (*Claims, error) {
	claims, err := m.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.MatchID != matchID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
