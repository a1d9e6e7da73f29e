package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisper_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(10<<20))

		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "5", r.FormValue("beam_size"))
		assert.Equal(t, "true", r.FormValue("vad_filter"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "meeting.wav", header.Filename)

		fmt.Fprint(w, `{
			"text": "hello world goodbye",
			"segments": [
				{"start": 0.0, "end": 2.4, "text": "hello world"},
				{"start": 2.4, "end": 65.0, "text": "goodbye"}
			]
		}`)
	}))
	defer srv.Close()

	s := NewWhisper(srv.URL)
	segments, err := s.Transcribe(context.Background(), []byte("RIFF...."), "meeting.wav")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "hello world", segments[0].Text)
	assert.Equal(t, 2.4, segments[1].Start)
}

func TestWhisper_EmptyAudio(t *testing.T) {
	s := NewWhisper("http://unused")
	_, err := s.Transcribe(context.Background(), nil, "a.wav")
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestWhisper_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no model loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWhisper(srv.URL)
	_, err := s.Transcribe(context.Background(), []byte("x"), "a.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWhisper_FlatTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text": "plain transcript"}`)
	}))
	defer srv.Close()

	s := NewWhisper(srv.URL)
	segments, err := s.Transcribe(context.Background(), []byte("x"), "a.wav")
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "plain transcript", segments[0].Text)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, "00:00", Timestamp(0))
	assert.Equal(t, "00:59", Timestamp(59.9))
	assert.Equal(t, "01:05", Timestamp(65))
	assert.Equal(t, "12:34", Timestamp(754))
}
