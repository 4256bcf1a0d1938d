package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("dropped")
	logger.Info("escrow created", "escrow_id", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "escrow created", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.EqualValues(t, 7, line["escrow_id"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("authorization", "Bearer abc").Value.String())
	require.Equal(t, RedactedValue, MaskField("hmac_secret", "shh").Value.String())
	require.Equal(t, RedactedValue, MaskField("depositor_note", "free text").Value.String())
	require.Equal(t, "release", MaskField("method", "release").Value.String())
	require.Equal(t, "abc-123", MaskField("requestId", "abc-123").Value.String())
	require.Equal(t, "", MaskField("token", "").Value.String())
	require.Contains(t, RedactionAllowlist(), "escrow_id")
}

func TestHandlerMasksCredentialKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("token minted",
		slog.String("jwt_token", "eyJhbGciOi"),
		slog.String("ESCROW_JWT_SECRET", "shh"),
		slog.String("operation", "create"),
		slog.Int("token_ttl", 300),
	)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["jwt_token"])
	require.Equal(t, RedactedValue, line["ESCROW_JWT_SECRET"])
	require.Equal(t, "create", line["operation"])
	require.EqualValues(t, 300, line["token_ttl"])
	require.NotContains(t, buf.String(), "eyJhbGciOi")
}
