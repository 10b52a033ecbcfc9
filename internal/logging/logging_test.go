package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/guoh27/j1939/config"
	"github.com/guoh27/j1939/j1939"
)

func TestNewAppliesConfiguredLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "debug"})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log := New(config.LogConfig{Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestWithMachineTagsName(t *testing.T) {
	log := New(config.LogConfig{Level: "info"})
	name := j1939.NameFromUint64(0xABCD)
	entry := WithMachine(log, name)
	assert.Equal(t, uint64(name), entry.Data["name"])
}
