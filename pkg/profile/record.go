package profile

import (
	"strings"

	"igproxy/pkg/instagram"
)

// Record is the public view of an Instagram profile returned by the gateway
type Record struct {
	Username   string  `json:"username"`
	Followers  int     `json:"followers"`
	Following  int     `json:"following"`
	PostsCount int     `json:"posts_count"`
	DPURL      string  `json:"dp_url"`
	Bio        *string `json:"bio"`
	FullName   *string `json:"full_name"`

	// UserID is Instagram's numeric id. A record without one is not trusted.
	UserID string `json:"-"`
}

// Clone returns a deep copy so callers never share cache-owned memory
func (r Record) Clone() *Record {
	out := r
	out.Bio = optional(r.Bio)
	out.FullName = optional(r.FullName)
	return &out
}

// FromUser builds a Record from an Instagram user. username is used when
// Instagram omits the canonical name.
func FromUser(username string, user *instagram.User) Record {
	name := user.Username
	if name == "" {
		name = username
	}
	return Record{
		Username:   name,
		Followers:  user.EdgeFollowedBy.Count,
		Following:  user.EdgeFollow.Count,
		PostsCount: user.EdgeOwnerToTimelineMedia.Count,
		DPURL:      user.AvatarURL(),
		Bio:        stringOrNil(user.Biography),
		FullName:   stringOrNil(user.FullName),
		UserID:     user.ID,
	}
}

// Normalize maps every spelling of a username onto its cache key
func Normalize(username string) string {
	return strings.ToLower(instagram.SanitizeUsername(username))
}

func stringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
