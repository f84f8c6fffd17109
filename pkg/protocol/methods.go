package protocol

// RPC method names accepted on the WebSocket connection.
const (
	MethodChatSend   = "chat.send"
	MethodChatDelete = "chat.delete"
	MethodRoomStatus = "room.status"
)
