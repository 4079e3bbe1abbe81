package logger

import (
	"bytes"
	"log/slog"
	"os"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// ParseEnviroment maps a textual environment name to Enviroment.
// Unknown names fall back to Prod.
func ParseEnviroment(s string) Enviroment {
	switch s {
	case "dev", "development":
		return Dev
	case "staging":
		return Staging
	default:
		return Prod
	}
}

// NewLogger creates new slog.Logger and return pointer to it
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a text logger writing into the returned buffer.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	b := new(bytes.Buffer)
	h := slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b, slog.New(h)
}

// ErrAttr returns the canonical attribute for an error.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
