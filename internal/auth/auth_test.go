package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Issuer: "featurescope", Secret: "test-secret", TokenTTL: time.Minute})
	require.NoError(t, err)
	return svc
}

func TestIssueAndParseTokens(t *testing.T) {
	svc := newTestService(t)

	userTok, err := svc.IssueUserToken("u-1")
	require.NoError(t, err)
	subject, err := svc.Parse(userTok)
	require.NoError(t, err)
	assert.Equal(t, KindUser, subject.Kind)
	assert.Equal(t, "u-1", subject.ID)
	assert.True(t, subject.HasPermission(PermRequestsWrite))

	agentTok, err := svc.IssueAgentToken("agent_b")
	require.NoError(t, err)
	subject, err = svc.Parse(agentTok)
	require.NoError(t, err)
	assert.Equal(t, KindAgent, subject.Kind)
	assert.False(t, subject.HasPermission(PermRequestsWrite))
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newTestService(t)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	tok, err := svc.IssueUserToken("u-1")
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewService(Config{Issuer: "featurescope", Secret: "other"})
	require.NoError(t, err)
	tok, err = other.IssueUserToken("u-1")
	require.NoError(t, err)
	_, err = svc.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u-1"})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareEnforcesTokenKind(t *testing.T) {
	svc := newTestService(t)
	handler := svc.Middleware(KindAgent, PermAnalyze)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil || subject.ID != "agent_a" {
			t.Errorf("unexpected subject %+v", subject)
		}
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header func() string
		status int
	}{
		{"missing", func() string { return "" }, http.StatusUnauthorized},
		{"garbage", func() string { return "Bearer nope" }, http.StatusUnauthorized},
		{"user token", func() string {
			tok, _ := svc.IssueUserToken("u-1")
			return "Bearer " + tok
		}, http.StatusForbidden},
		{"agent token", func() string {
			tok, _ := svc.IssueAgentToken("agent_a")
			return "Bearer " + tok
		}, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze-backend", nil)
			if h := tc.header(); h != "" {
				req.Header.Set("Authorization", h)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
