package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Storage struct {
	basePath string
}

// NewStorage 스토리지 생성
func NewStorage(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
	}
}

// BasePath 정적 파일 서빙 루트
func (s *Storage) BasePath() string {
	return s.basePath
}

// SaveReplay 리플레이 JSON 저장. 상대 경로를 돌려준다.
func (s *Storage) SaveReplay(matchID string, replay any) (string, error) {
	data, err := json.MarshalIndent(replay, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal replay: %w", err)
	}
	return s.save("replays", sanitize(matchID)+".json", data)
}

// SaveFile 임의 파일 저장 (이름 충돌 방지용 고유 파일명)
func (s *Storage) SaveFile(dir, ext string, data []byte) (string, error) {
	filename := fmt.Sprintf("%s_%d%s", uuid.New().String(), time.Now().Unix(), ext)
	return s.save(dir, filename, data)
}

func (s *Storage) save(dir, filename string, data []byte) (string, error) {
	savePath := filepath.Join(s.basePath, dir, filename)

	// 디렉토리 생성
	if err := os.MkdirAll(filepath.Dir(savePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	// 부분 기록된 파일이 보이지 않도록 임시 파일 후 rename
	tmp := savePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, savePath); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return filepath.ToSlash(filepath.Join(dir, filename)), nil
}

// Open 저장된 파일 읽기
func (s *Storage) Open(filePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.basePath, filepath.Clean("/"+filePath)))
}

// DeleteFile 파일 삭제
func (s *Storage) DeleteFile(filePath string) error {
	fullPath := filepath.Join(s.basePath, filepath.Clean("/"+filePath))
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetFileURL 파일 URL 생성
func (s *Storage) GetFileURL(filePath string) string {
	return fmt.Sprintf("/storage/%s", filePath)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
