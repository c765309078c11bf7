package web

import (
	"net/http/httptest"
	"testing"

	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewerFromRequest(t *testing.T) {
	identity := config.DefaultConfig().Identity

	tests := []struct {
		name     string
		headers  map[string]string
		wantNil  bool
		wantID   string
		wantName string
	}{
		{
			name:    "no headers",
			wantNil: true,
		},
		{
			name:     "all headers",
			headers:  map[string]string{"X-Forwarded-User": "u1", "X-Forwarded-Name": "Alice", "X-Forwarded-Email": "alice@example.com"},
			wantID:   "u1",
			wantName: "Alice",
		},
		{
			name:     "name falls back to username",
			headers:  map[string]string{"X-Forwarded-User": "u1", "X-Forwarded-Preferred-Username": "alice"},
			wantID:   "u1",
			wantName: "alice",
		},
		{
			name:     "id falls back to email",
			headers:  map[string]string{"X-Forwarded-Email": "alice@example.com"},
			wantID:   "alice@example.com",
			wantName: "alice@example.com",
		},
		{
			name:    "whitespace only",
			headers: map[string]string{"X-Forwarded-User": "   "},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/emulator-5554", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			v := ViewerFromRequest(r, identity)
			if tt.wantNil {
				assert.Nil(t, v)
				return
			}
			require.NotNil(t, v)
			assert.Equal(t, tt.wantID, v.ID)
			assert.Equal(t, tt.wantName, v.DisplayName)
		})
	}
}

func TestViewerFromRequestIgnoresUnconfiguredHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-User", "u1")

	assert.Nil(t, ViewerFromRequest(r, config.IdentityConfig{}))
}
