package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_serverMessageSerialization(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Message: &types.Message{
			RoomId:    "abc123",
			SeqId:     4,
			SenderId:  "r1",
			Text:      "test data",
			CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	// Ensure the timestamp is in the expected format
	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","newChatMessage":{"roomId":"abc123","seqId":4,"senderId":"r1",` +
		`"text":"test data","createdAt":"2025-03-01T12:00:00Z"}}`

	bytes, err := json.Marshal(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_clientMessageDeserialization(t *testing.T) {
	data := `{"id":3,"sendMessage":{"retailerId":"r1","wholesalerId":"w1","senderId":"r1","text":"hello"}}`

	var msg ClientMessage
	err := json.Unmarshal([]byte(data), &msg)
	assert.NoError(t, err, "expected no error during deserialization")
	assert.Equal(t, 3, msg.Id, "expected message id to match")
	assert.Nil(t, msg.CreateRoom, "expected createRoom to be unset")
	assert.Nil(t, msg.JoinRoom, "expected joinRoom to be unset")
	assert.NotNil(t, msg.SendMessage, "expected sendMessage to be set")
	assert.Equal(t, "r1", msg.SendMessage.RetailerId, "expected retailer id to match")
	assert.Equal(t, "w1", msg.SendMessage.WholesalerId, "expected wholesaler id to match")
	assert.Equal(t, "hello", msg.SendMessage.Text, "expected text to match")
}

func Test_errorEvents(t *testing.T) {
	tcases := []struct {
		name         string
		msg          *ServerMessage
		expectedCode int
	}{
		{
			name:         "invalid request",
			msg:          ErrInvalidRequest(1, "text is required"),
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "room not found",
			msg:          ErrRoomNotFound(2),
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "internal error",
			msg:          ErrInternalError(3),
			expectedCode: http.StatusInternalServerError,
		},
		{
			name:         "invalid message",
			msg:          ErrInvalidMessage(4),
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotNil(t, tc.msg.Error, "expected error event to be set")
			assert.Equal(t, tc.expectedCode, tc.msg.Error.Code, "expected error code to match")
			assert.NotEmpty(t, tc.msg.Error.Message, "expected error message to be set")
			assert.False(t, tc.msg.Timestamp.IsZero(), "expected timestamp to be set")
		})
	}
}
