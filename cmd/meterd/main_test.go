package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-metering/config"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "seed"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	migrate, _, err := root.Find([]string{"migrate", "version"})
	require.NoError(t, err)
	assert.Equal(t, "version", migrate.Name())

	seed, _, err := root.Find([]string{"seed"})
	require.NoError(t, err)
	assert.NotNil(t, seed.Flags().Lookup("tier"))
}

func TestNewProviders(t *testing.T) {
	ps := newProviders(&config.Config{OpenAIBaseURL: "http://localhost:1"})

	var names []string
	for _, p := range ps {
		names = append(names, p.Name())
	}
	assert.ElementsMatch(t, []string{"openai", "claude", "gemini"}, names)
}

func TestWriteStates(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStates(rec, map[string]string{"openai": "closed", "claude": "half-open"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"openai":"closed","claude":"half-open"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	writeStates(rec, map[string]string{"openai": "open"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
