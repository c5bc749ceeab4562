package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, setup(&buf, "warn", "json"))

	log.Info().Msg("hidden")
	sweeperLog := Component("sweeper")
	sweeperLog.Warn().Int("reclaimed", 3).Msg("swept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "sweeper", line["component"])
	assert.EqualValues(t, 3, line["reclaimed"])
	assert.Contains(t, line, "time")
}

func TestSetupRejectsBadInput(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	assert.Error(t, setup(&buf, "loud", "json"))
	assert.Error(t, setup(&buf, "info", "xml"))
	assert.NoError(t, setup(&buf, "", "console"))
}
