package logging

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
)

// maxRelayLine bounds one relayed log line.
const maxRelayLine = 64 << 10

// Relay copies newline-delimited zerolog JSON from r into logger, keeping the
// original level and fields. Lines that are not JSON objects are logged as
// raw output at warn level. It returns when r is exhausted.
func Relay(logger zerolog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxRelayLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil {
			logger.Warn().Str("line", string(line)).Msg("Unstructured worker output")
			continue
		}

		level := zerolog.InfoLevel
		if s, ok := fields[zerolog.LevelFieldName].(string); ok {
			level = ParseLevel(s)
		}
		msg, _ := fields[zerolog.MessageFieldName].(string)

		delete(fields, zerolog.LevelFieldName)
		delete(fields, zerolog.MessageFieldName)
		delete(fields, zerolog.TimestampFieldName)

		logger.WithLevel(level).Fields(fields).Msg(msg)
	}

	if err := scanner.Err(); err != nil {
		logger.Debug().Err(err).Msg("Worker log relay stopped")
	}
}

// RelayWriter returns a writer whose lines are relayed into logger. Close it
// to stop the relay.
func RelayWriter(logger zerolog.Logger) io.WriteCloser {
	pr, pw := io.Pipe()
	go func() {
		Relay(logger, pr)
		// Drain anything left so writers never block on a dead relay.
		_, _ = io.Copy(io.Discard, pr)
	}()
	return pw
}
