package api

import "github.com/avolkow/huddle/internal/chat"

// SignInRequest is the payload for POST /auth/signin.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResponse is returned from POST /auth/signin.
type SignInResponse struct {
	Token      string `json:"token"`
	UserID     string `json:"user_id"`
	ExpiresIn  int64  `json:"expires_in"`
	GatewayURL string `json:"gateway_url"`
}

// messagesRequest is the payload for POST /messages/list.
type messagesRequest struct {
	ConversationID chat.Scope `json:"conversation_id,omitempty"`
}

// messagesResponse is returned from POST /messages/list; messages are
// ordered by ascending timestamp.
type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// sendRequest is the payload for POST /messages/send.
type sendRequest struct {
	ConversationID chat.Scope `json:"conversation_id,omitempty"`
	Content        string     `json:"content"`
}

// sendResponse is returned from POST /messages/send with the confirmed,
// server-assigned message.
type sendResponse struct {
	Message chat.Message `json:"message"`
}

// profilesRequest is the payload for POST /profiles/lookup.
type profilesRequest struct {
	UserIDs []string `json:"user_ids"`
}

// profilesResponse is returned from POST /profiles/lookup. Ids the server
// does not know are simply absent.
type profilesResponse struct {
	Profiles []chat.ProfileRecord `json:"profiles"`
}

// APIError represents an error response body.
type APIError struct {
	Error string `json:"error"`
}
