package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer() Issuer {
	return Issuer{Name: "eventsync", Key: []byte("test-key"), AccessTTL: time.Minute, RefreshTTL: time.Hour}
}

func TestIssueAndParse(t *testing.T) {
	is := testIssuer()
	pair, err := is.Issue("m-1", "MEMBER", "BCS-2024")
	require.NoError(t, err)

	claims, err := is.Parse(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "m-1", claims.Subject)
	assert.Equal(t, "MEMBER", claims.Role)
	assert.Equal(t, "BCS-2024", claims.Room)

	_, err = is.Parse(pair.RefreshToken, KindAccess)
	assert.Error(t, err, "refresh token is not an access token")

	other := is
	other.Key = []byte("other-key")
	_, err = other.Parse(pair.AccessToken, KindAccess)
	assert.Error(t, err)

	renamed := is
	renamed.Name = "someone-else"
	_, err = renamed.Parse(pair.AccessToken, KindAccess)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	is := testIssuer()
	is.AccessTTL = -time.Minute
	pair, err := is.Issue("m-1", "MEMBER", "BCS-2024")
	require.NoError(t, err)
	_, err = is.Parse(pair.AccessToken, KindAccess)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	is := testIssuer()
	member, err := is.Issue("m-1", "MEMBER", "BCS-2024")
	require.NoError(t, err)
	admin, err := is.Issue("admin-1", "ADMIN", "BCS-2024")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/rooms/:room", Required(is), RequireRoom(), func(c *gin.Context) {
		c.String(http.StatusOK, ClaimsFrom(c).Subject)
	})
	r.GET("/admin", Required(is), RequireRole("ADMIN"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/rooms/BCS-2024", "", http.StatusUnauthorized},
		{"garbage", "/rooms/BCS-2024", "Bearer nope", http.StatusUnauthorized},
		{"header", "/rooms/BCS-2024", "Bearer " + member.AccessToken, http.StatusOK},
		{"query", "/rooms/BCS-2024?token=" + member.AccessToken, "", http.StatusOK},
		{"wrong room", "/rooms/OTHER", "bearer " + member.AccessToken, http.StatusForbidden},
		{"member on admin route", "/admin", "Bearer " + member.AccessToken, http.StatusForbidden},
		{"admin on admin route", "/admin", "Bearer " + admin.AccessToken, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
