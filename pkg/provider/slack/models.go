package slack

import (
	"strconv"

	"github.com/conductorone/tenantsync/pkg/sink"
)

type baseResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (b *baseResponse) result() *baseResponse {
	return b
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

type user struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	Deleted  bool   `json:"deleted"`
	IsAdmin  bool   `json:"is_admin"`
	IsBot    bool   `json:"is_bot"`
	Profile  struct {
		Email string `json:"email"`
	} `json:"profile"`
}

func (u *user) object() sink.Object {
	name := u.RealName
	if name == "" {
		name = u.Name
	}
	return sink.Object{
		ID:   u.ID,
		Type: sink.TypeUser,
		Name: name,
		Attributes: map[string]string{
			"email":    u.Profile.Email,
			"is_admin": strconv.FormatBool(u.IsAdmin),
			"is_bot":   strconv.FormatBool(u.IsBot),
		},
	}
}

type channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	NumMembers int    `json:"num_members"`
}

func (c *channel) object() sink.Object {
	return sink.Object{
		ID:   c.ID,
		Type: sink.TypeChannel,
		Name: c.Name,
		Attributes: map[string]string{
			"is_private":  strconv.FormatBool(c.IsPrivate),
			"num_members": strconv.Itoa(c.NumMembers),
		},
	}
}

type usersListResponse struct {
	baseResponse
	Members  []user           `json:"members"`
	Metadata responseMetadata `json:"response_metadata"`
}

type channelsListResponse struct {
	baseResponse
	Channels []channel        `json:"channels"`
	Metadata responseMetadata `json:"response_metadata"`
}

type membersResponse struct {
	baseResponse
	Members  []string         `json:"members"`
	Metadata responseMetadata `json:"response_metadata"`
}

type userInfoResponse struct {
	baseResponse
	User user `json:"user"`
}

type channelInfoResponse struct {
	baseResponse
	Channel channel `json:"channel"`
}
