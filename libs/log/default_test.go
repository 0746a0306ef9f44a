package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/libs/log"
)

func TestNewDefaultLogger(t *testing.T) {
	testCases := map[string]struct {
		format    string
		level     string
		expectErr bool
	}{
		"invalid format": {
			format:    "foo",
			level:     log.LogLevelInfo,
			expectErr: true,
		},
		"invalid level": {
			format:    log.LogFormatJSON,
			level:     "foo",
			expectErr: true,
		},
		"valid format and level": {
			format:    log.LogFormatJSON,
			level:     log.LogLevelInfo,
			expectErr: false,
		},
		"plain format": {
			format:    log.LogFormatPlain,
			level:     log.LogLevelDebug,
			expectErr: false,
		},
	}

	for name, tc := range testCases {
		tc := tc

		t.Run(name, func(t *testing.T) {
			_, err := log.NewDefaultLogger(tc.format, tc.level)
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDefaultLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.NewDefaultLoggerWithWriter(&buf, log.LogFormatJSON, log.LogLevelInfo)
	require.NoError(t, err)

	logger.With("module", "blocksync").Info("switched state", "state", "HeaderSync", "height", 12)
	logger.Debug("filtered out")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "switched state", entry["message"])
	require.Equal(t, "blocksync", entry["module"])
	require.Equal(t, "HeaderSync", entry["state"])
	require.EqualValues(t, 12, entry["height"])
}

func TestOverrideWithNewLogger(t *testing.T) {
	logger := log.NewNopLogger()
	require.NoError(t, log.OverrideWithNewLogger(logger, log.LogFormatJSON, log.LogLevelError))
	require.Error(t, log.OverrideWithNewLogger(logger, "xml", log.LogLevelError))
}

func TestLazySprintf(t *testing.T) {
	require.Equal(t, "a=1 b=x", log.NewLazySprintf("a=%d b=%s", 1, "x").String())
	require.Equal(t, "0AFF", log.LazyHex([]byte{0x0a, 0xff}).String())
}
