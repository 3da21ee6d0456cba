package instagram

// ProfileResponse is the envelope returned by the web_profile_info endpoint
type ProfileResponse struct {
	RequiresToLogin bool        `json:"requires_to_login"`
	Data            ProfileData `json:"data"`
	Status          string      `json:"status"`
	Message         string      `json:"message,omitempty"`
}

// ProfileData wraps the user object. User is nil when the account does not exist.
type ProfileData struct {
	User *User `json:"user"`
}

// User holds the profile fields the gateway reads
type User struct {
	ID                       string    `json:"id"`
	Username                 string    `json:"username"`
	FullName                 string    `json:"full_name"`
	Biography                string    `json:"biography"`
	ProfilePicURL            string    `json:"profile_pic_url"`
	ProfilePicURLHD          string    `json:"profile_pic_url_hd"`
	IsPrivate                bool      `json:"is_private"`
	IsVerified               bool      `json:"is_verified"`
	EdgeFollowedBy           EdgeCount `json:"edge_followed_by"`
	EdgeFollow               EdgeCount `json:"edge_follow"`
	EdgeOwnerToTimelineMedia EdgeCount `json:"edge_owner_to_timeline_media"`
}

// EdgeCount is the {"count": n} shape Instagram uses for relationship totals
type EdgeCount struct {
	Count int `json:"count"`
}

// AvatarURL prefers the high resolution picture when Instagram provides one
func (u *User) AvatarURL() string {
	if u.ProfilePicURLHD != "" {
		return u.ProfilePicURLHD
	}
	return u.ProfilePicURL
}
