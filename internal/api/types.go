package api

// Message is the wire shape of a chat message, shared by the REST
// responses and the realtime broadcast frames. Timestamps stay as the
// server sent them; parsing happens at the view-model boundary.
type Message struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at,omitempty"`
	CreatedBy string `json:"created_by"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type messageListResponse struct {
	Messages []Message `json:"messages"`
}

type createMessageRequest struct {
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

type createMessageResponse struct {
	ID int64 `json:"id"`
}

type updateMessageRequest struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type deleteMessageRequest struct {
	ID int64 `json:"id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type signUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}
