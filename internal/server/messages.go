package server

import "encoding/json"

// ClientMessage is the single inbound frame shape: the text of a
// message to post to the connection's channel.
type ClientMessage struct {
	Message string `json:"message"`
}

// ErrorMessage is sent to a client when its frame is rejected.
// Published message events are relayed verbatim and never re-framed.
type ErrorMessage struct {
	Error string `json:"error"`
}

func errorFrame(reason string) []byte {
	payload, _ := json.Marshal(ErrorMessage{Error: reason})
	return payload
}
