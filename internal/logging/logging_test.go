package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	})

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.WithField("account_id", "abc").Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "abc", entry["account_id"])
}

func TestSetupRejectsInvalidValues(t *testing.T) {
	assert.Error(t, Setup("chatty", "json", nil))
	assert.Error(t, Setup("info", "xml", nil))
}
