// Package media stores photo attachments. A photo message's content is the
// key returned by Store.Put.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lrhodin/ephemera/pkg/chat"
)

var (
	ErrTooLarge        = fmt.Errorf("%w: photo too large", chat.ErrInvalidDraft)
	ErrUnsupportedType = fmt.Errorf("%w: not an image", chat.ErrInvalidDraft)
	ErrTooManyPixels   = fmt.Errorf("%w: photo dimensions too large", chat.ErrInvalidDraft)
	ErrInvalidKey      = errors.New("invalid media key")
)

const (
	DefaultMaxSize = 10 * 1024 * 1024
	// MaxDimension bounds the width and height of a stored photo.
	MaxDimension = 8192
)

var keyRegex = regexp.MustCompile(`^[0-9a-f]{64}(\.[a-z0-9]+)?$`)

type Store struct {
	dir     string
	maxSize int64
	log     zerolog.Logger
}

type Object struct {
	Key      string
	MIMEType string
	Size     int64
	Width    int
	Height   int
}

func NewStore(dir string, maxSize int64, log zerolog.Logger) (*Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Store{
		dir:     dir,
		maxSize: maxSize,
		log:     log.With().Str("component", "media").Logger(),
	}, nil
}

// Put stores an image under the hex SHA-256 of its content plus the sniffed
// extension. Storing the same bytes twice returns the same key. The image
// header must decode and neither side may exceed MaxDimension.
func (s *Store) Put(r io.Reader) (*Object, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	} else if int64(len(data)) > s.maxSize {
		return nil, ErrTooLarge
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("%w (detected %s)", ErrUnsupportedType, mime.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w (undecodable %s: %v)", ErrUnsupportedType, mime.String(), err)
	} else if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w (%dx%d)", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	sum := sha256.Sum256(data)
	obj := &Object{
		Key:      hex.EncodeToString(sum[:]) + mime.Extension(),
		MIMEType: mime.String(),
		Size:     int64(len(data)),
		Width:    cfg.Width,
		Height:   cfg.Height,
	}
	path := filepath.Join(s.dir, obj.Key)
	if _, err = os.Stat(path); err == nil {
		return obj, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = io.Copy(tmp, bytes.NewReader(data))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write photo: %w", err)
	}
	s.log.Debug().
		Str("key", obj.Key).
		Str("mime_type", obj.MIMEType).
		Int64("size", obj.Size).
		Int("width", obj.Width).
		Int("height", obj.Height).
		Msg("Stored photo")
	return obj, nil
}

// PutFile stores the photo at path.
func (s *Store) PutFile(path string) (*Object, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return s.Put(file)
}

// Open returns the stored photo and its detected type.
func (s *Store) Open(key string) (io.ReadCloser, string, error) {
	if !keyRegex.MatchString(key) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	path := filepath.Join(s.dir, key)
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	return file, mime.String(), nil
}

// PhotoDraft makes a draft whose content references a stored photo.
func PhotoDraft(conversationID string, obj *Object) chat.Draft {
	return chat.NewDraft(conversationID, obj.Key, chat.MessagePhoto)
}
