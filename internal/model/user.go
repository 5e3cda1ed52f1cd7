package model

// UserProfile is the public slice of a user that chat responses embed.
type UserProfile struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	Name           string  `json:"name"`
	ProfilePicture *string `json:"profile_picture,omitempty"`
}
