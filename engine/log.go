package engine

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/AvishayYanay/concord-bft/types"
)

// NewLogger returns a structured logger at the named level writing to w.
// A nil writer logs to stderr; an unknown level falls back to info.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func replicaLogger(base zerolog.Logger, id types.ReplicaID, component string) zerolog.Logger {
	return base.With().Uint32("replica", uint32(id)).Str("component", component).Logger()
}
