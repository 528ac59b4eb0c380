package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadBytesSignsAndPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "key", r.FormValue("api_key"))
		assert.Equal(t, "evidence", r.FormValue("folder"))
		assert.Equal(t, "BCS-2024/m-1/abc", r.FormValue("public_id"))
		assert.Equal(t, "decision=accepted|session=D1S1", r.FormValue("context"))
		assert.Equal(t, "1700000000", r.FormValue("timestamp"))

		payload := "context=decision=accepted|session=D1S1&folder=evidence&public_id=BCS-2024/m-1/abc&timestamp=1700000000secret"
		sum := sha1.Sum([]byte(payload))
		assert.Equal(t, hex.EncodeToString(sum[:]), r.FormValue("signature"))

		f, _, err := r.FormFile("file")
		if assert.NoError(t, err) {
			data, _ := io.ReadAll(f)
			assert.Equal(t, []byte("jpeg-bytes"), data)
		}
		_, _ = w.Write([]byte(`{"public_id":"evidence/BCS-2024/m-1/abc","secure_url":"https://cdn/x.jpg","bytes":10}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "evidence")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadBytes(context.Background(), Upload{
		Data:     []byte("jpeg-bytes"),
		Filename: "abc.jpg",
		PublicID: "BCS-2024/m-1/abc",
		Context:  map[string]string{"session": "D1S1", "decision": "accepted"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.jpg", res.SecureURL)
	assert.Equal(t, 10, res.Bytes)
}

func TestUploadBytesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "wrong", "")
	c.BaseURL = srv.URL
	_, err := c.UploadBytes(context.Background(), Upload{Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
