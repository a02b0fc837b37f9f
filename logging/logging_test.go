package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONByDefault(t *testing.T) {
	l := New("debug", "")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("wallet_id", "w-1").Info("applied")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "w-1", line["wallet_id"])
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	l := New("loud", "text")
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	_, isText := l.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestNewWithService(t *testing.T) {
	e := NewWithService("savings-ledger", "info", "json")
	assert.Equal(t, "savings-ledger", e.Data["service"])
}
