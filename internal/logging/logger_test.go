// Copyright 2016 Aleksandr Demakin. All rights reserved.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	a := assert.New(t)
	l, err := parseLevel("debug")
	a.NoError(err)
	a.Equal(zapcore.DebugLevel, l)
	l, err = parseLevel("")
	a.NoError(err)
	a.Equal(zapcore.InfoLevel, l)
	_, err = parseLevel("loud")
	a.Error(err)
}

func TestNew(t *testing.T) {
	a := assert.New(t)
	logger, err := New(DefaultConfig())
	if a.NoError(err) {
		a.True(logger.Core().Enabled(zapcore.InfoLevel))
		a.False(logger.Core().Enabled(zapcore.DebugLevel))
	}
	logger, err = New(Config{Level: "debug", Development: true})
	if a.NoError(err) {
		a.True(logger.Core().Enabled(zapcore.DebugLevel))
	}
	_, err = New(Config{Level: "nope"})
	a.Error(err)
	a.NotNil(Must(Config{Level: "nope"}))
	a.NotNil(Must(ResponderConfig("warn")))
}
