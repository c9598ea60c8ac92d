// Package logging builds the zap logger shared by every component.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(level string, json bool) (*zap.Logger, error) {
	return NewWithWriters(level, json, os.Stdout)
}

func NewWithWriters(level string, json bool, writers ...io.Writer) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if json {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	if len(writers) == 0 {
		writers = []io.Writer{os.Stdout}
	}
	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		syncers = append(syncers, zapcore.AddSync(w))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), lvl)
	return zap.New(core, zap.AddCaller()), nil
}
