package media

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/ephemera/pkg/chat"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestStore(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "media"), 1024, zerolog.Nop())
	require.NoError(t, err)
	photo := encodePNG(t, 3, 2)

	t.Run("PutAndOpen", func(t *testing.T) {
		obj, err := store.Put(bytes.NewReader(photo))
		require.NoError(t, err)
		assert.Equal(t, "image/png", obj.MIMEType)
		assert.True(t, strings.HasSuffix(obj.Key, ".png"))
		assert.Equal(t, int64(len(photo)), obj.Size)
		assert.Equal(t, 3, obj.Width)
		assert.Equal(t, 2, obj.Height)

		again, err := store.Put(bytes.NewReader(photo))
		require.NoError(t, err)
		assert.Equal(t, obj.Key, again.Key)

		rc, mime, err := store.Open(obj.Key)
		require.NoError(t, err)
		defer rc.Close()
		assert.Equal(t, "image/png", mime)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, photo, data)

		draft := PhotoDraft("c1", obj)
		assert.Equal(t, chat.MessagePhoto, draft.Kind)
		assert.Equal(t, obj.Key, draft.Content)
		assert.NoError(t, draft.Validate())
	})

	t.Run("PutFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "photo")
		require.NoError(t, os.WriteFile(path, photo, 0o600))
		obj, err := store.PutFile(path)
		require.NoError(t, err)
		assert.Equal(t, "image/png", obj.MIMEType)
	})

	t.Run("Rejected", func(t *testing.T) {
		_, err := store.Put(strings.NewReader("just some text"))
		assert.ErrorIs(t, err, ErrUnsupportedType)
		assert.Equal(t, chat.CodeInvalidArg, chat.Code(err))

		big := append(append([]byte{}, photo...), make([]byte, 2048)...)
		_, err = store.Put(bytes.NewReader(big))
		assert.ErrorIs(t, err, ErrTooLarge)

		_, err = store.Put(bytes.NewReader(photo[:20]))
		assert.ErrorIs(t, err, ErrUnsupportedType)

		_, err = store.Put(bytes.NewReader(encodePNG(t, MaxDimension+1, 1)))
		assert.ErrorIs(t, err, ErrTooManyPixels)
		assert.Equal(t, chat.CodeInvalidArg, chat.Code(err))

		_, _, err = store.Open("../../etc/passwd")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
