package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	require.NoError(t, setupLogger(config.LogConfig{Level: "warn", Format: "json"}, ""))
	assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())

	require.NoError(t, setupLogger(config.LogConfig{Level: "warn"}, "DEBUG"))
	assert.Equal(t, zerolog.DebugLevel, log.Logger.GetLevel())

	require.NoError(t, setupLogger(config.LogConfig{}, ""))
	assert.Equal(t, zerolog.InfoLevel, log.Logger.GetLevel())

	assert.Error(t, setupLogger(config.LogConfig{Level: "loud"}, ""))
}

func TestReadAttachment(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))

	att, err := readAttachment(txt)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Filename)
	assert.True(t, strings.HasPrefix(att.ContentType, "text/plain"), att.ContentType)
	assert.Equal(t, 5, att.Size)
	assert.Equal(t, []byte("hello"), att.Content)

	blob := filepath.Join(dir, "data.hermesblob")
	require.NoError(t, os.WriteFile(blob, []byte{0, 1, 2}, 0o600))

	att, err = readAttachment(blob)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.ContentType)

	_, err = readAttachment(filepath.Join(dir, "missing.pdf"))
	assert.Error(t, err)
}

func TestExportMbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbound.mbox")
	msgs := []*storage.Message{
		{ID: 1, From: "a@remote.test", RawContent: []byte("Subject: one\r\n\r\nbody\r\n")},
		{ID: 2, From: "sender@relay.test"},
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, exportMbox(cmd, path, msgs))
	assert.Contains(t, out.String(), "1 mensagens exportadas")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "From a@remote.test "))
	assert.Contains(t, string(data), "Subject: one")
}
