package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchsmith/internal/compress"
)

func TestHTTPClient_RequestAnswer(t *testing.T) {
	var got wireAnswerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/answers", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"answer":"foo is defined in a.txt"}`))
	}))
	defer srv.Close()

	answer, err := newTestClient(srv.URL).RequestAnswer(context.Background(), AnswerRequest{
		Question: "What functions are defined in this repository?",
		Context: &compress.Bundle{Entries: []compress.Entry{
			{Path: "a.txt", Content: "def foo(): pass"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "foo is defined in a.txt", answer)

	assert.Equal(t, "What functions are defined in this repository?", got.Question)
	assert.Equal(t, "def foo(): pass", got.Context["a.txt"])
}

func TestHTTPClient_RequestAnswer_EmptyQuestion(t *testing.T) {
	_, err := newTestClient("http://unused").RequestAnswer(context.Background(), AnswerRequest{Question: "   "})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTTPClient_RequestAnswer_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rejected", http.StatusBadRequest, ErrRejected},
		{"unauthorized", http.StatusUnauthorized, ErrRejected},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).RequestAnswer(context.Background(), AnswerRequest{Question: "why"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBuildQuestionPrompt(t *testing.T) {
	prompt := buildQuestionPrompt(AnswerRequest{
		Question: "where is the entry point?",
		Context: &compress.Bundle{Entries: []compress.Entry{
			{Path: "cmd/main.go", Content: "package main"},
		}},
	})
	assert.Contains(t, prompt, "where is the entry point?")
	assert.Contains(t, prompt, "--- cmd/main.go ---")
	assert.Contains(t, prompt, "package main")
}
