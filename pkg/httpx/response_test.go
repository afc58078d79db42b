package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusServiceUnavailable, errors.New("storage unavailable"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Service Unavailable", body.Error)
	assert.Equal(t, "storage unavailable", body.Message)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Weeks int `json:"weeks"`
	}

	tests := []struct {
		name    string
		body    string
		want    int
		wantErr string
	}{
		{name: "valid", body: `{"weeks": 4}`, want: 4},
		{name: "empty body keeps defaults", body: ``, want: 10},
		{name: "unknown field", body: `{"weekz": 4}`, wantErr: "invalid JSON body"},
		{name: "too large", body: `{"weeks": 4, "pad": "` + strings.Repeat("x", 200) + `"}`, wantErr: "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			p := payload{Weeks: 10}
			err := DecodeJSON(rec, req, 64, &p)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Weeks)
		})
	}
}
