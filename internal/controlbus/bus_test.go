package controlbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	raw := []byte(`{
		"uri": "add",
		"session_key": "9f3c",
		"body": {"channel_name": "specific.abc", "username": "alpha", "games": [41]}
	}`)
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "add", msg.URI)
	assert.Equal(t, "9f3c", msg.SessionKey)
	assert.Equal(t, "specific.abc", msg.ChannelName)
	assert.Equal(t, "alpha", msg.Username)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Contains(t, body, "games")
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	_, err := decodeMessage([]byte(`{"session_key":"x"}`))
	assert.Error(t, err)

	_, err = decodeMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = decodeMessage([]byte(`{"uri":"auth","body":"nope"}`))
	assert.Error(t, err)
}

func TestOutboundPayloadShape(t *testing.T) {
	payload, err := json.Marshal(outboundPayload{
		Type:       messageType,
		Provider:   "betika",
		URI:        "ticket_resolve",
		SessionKey: "9f3c",
		Body:       `{"won":20}`,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "chat.message", decoded["type"])
	assert.Equal(t, "betika", decoded["provider"])
	// body 以字符串形式下发，由 web 端再解一层
	assert.Equal(t, `{"won":20}`, decoded["body"])
}
