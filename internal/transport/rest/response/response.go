package response

import (
	"encoding/json"
	"net/http"
)

// MessageBody is the flat body used for acks and every error:
// {"message": "<text>"}
type MessageBody struct {
	Message string `json:"message"`
}

// JSON writes raw JSON with Content-Type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Message writes {"message": "<text>"}.
func Message(w http.ResponseWriter, status int, text string) {
	JSON(w, status, MessageBody{Message: text})
}
