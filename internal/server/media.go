package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxScreenshotBytes = 2 << 20
	maxAvatarBytes     = 32 << 20
)

var errBadDataURL = errors.New("malformed data url")

// MediaStore persists uploaded media under one directory and hands back the
// URLs they are served from.
type MediaStore struct {
	dir     string
	baseURL string
	client  *http.Client
}

func NewMediaStore(dir, baseURL string) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &MediaStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SaveDataURL decodes a base64 data URL screenshot and writes it to disk.
// Only image payloads are accepted.
func (m *MediaStore) SaveDataURL(gameID, playerID string, round int, dataURL string) (string, error) {
	meta, encoded, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasPrefix(meta, "data:image/") || !strings.HasSuffix(meta, ";base64") {
		return "", errBadDataURL
	}
	ext := strings.TrimSuffix(strings.TrimPrefix(meta, "data:image/"), ";base64")
	if ext != "png" && ext != "jpeg" && ext != "webp" {
		return "", errBadDataURL
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errBadDataURL
	}
	if len(decoded) > maxScreenshotBytes {
		return "", errors.New("screenshot too large")
	}

	name := fmt.Sprintf("%s_r%d_%s.%s", gameID, round, playerID, ext)
	if err := m.write(name, decoded); err != nil {
		return "", err
	}
	return m.baseURL + "/" + name, nil
}

// FetchAvatar downloads a GLB model from an external URL into the media dir
// and returns the local URL it is served from.
func (m *MediaStore) FetchAvatar(ctx context.Context, userID, sourceURL string) (string, error) {
	if !strings.HasPrefix(sourceURL, "https://") && !strings.HasPrefix(sourceURL, "http://") {
		return "", errors.New("avatar url must be http(s)")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch avatar: upstream status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch avatar: %w", err)
	}
	if len(data) > maxAvatarBytes {
		return "", errors.New("avatar too large")
	}

	name := fmt.Sprintf("avatar_%s_%s.glb", userID, uuid.NewString()[:8])
	if err := m.write(name, data); err != nil {
		return "", err
	}
	return m.baseURL + "/" + name, nil
}

func (m *MediaStore) write(name string, data []byte) error {
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write media file: %w", err)
	}
	return nil
}
