package slog_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	rawslog "log/slog"

	"github.com/stretchr/testify/require"

	"github.com/clusterui/realtime/pkg/logger/slog"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level rawslog.Level
}

var (
	LogText         = "Test Log Value"
	CustomFieldName = "path"
	CustomFieldVal  = "/host"
)

type testLogJSON struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Msg       string    `json:"msg"`
	CustomVal any       `json:"path"`
	Conn      string    `json:"conn"`
}

func TestLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	logger := slog.New(handler)

	testMethods := []testMethod{
		{fn: logger.Error, level: rawslog.LevelError},
		{fn: logger.Warn, level: rawslog.LevelWarn},
		{fn: logger.Info, level: rawslog.LevelInfo},
		{fn: logger.Debug, level: rawslog.LevelDebug},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level.String()), func(t *testing.T) {
			buffer.Reset()
			v.fn(LogText, CustomFieldName, CustomFieldVal)

			var line testLogJSON
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
			require.Equal(t, v.level.String(), line.Level)
			require.Equal(t, LogText, line.Msg)
			require.Equal(t, CustomFieldVal, line.CustomVal)
		})
	}
}

func TestWith(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger := slog.New(rawslog.NewJSONHandler(buffer, nil)).With("conn", "c-1")

	logger.Info(LogText)

	var line testLogJSON
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
	require.Equal(t, "c-1", line.Conn)
}
