package cache

import "github.com/Rivistaa/Bathbot/internal/models"

// CachedMember joins per-guild attributes with the shared user record.
type CachedMember struct {
	User     *CachedUser
	Nickname string
	Roles    []string
	JoinedAt string
}

func newCachedMember(m models.DiscordMember, user *CachedUser) *CachedMember {
	nick := ""
	if m.Nick != nil {
		nick = *m.Nick
	}
	return &CachedMember{
		User:     user,
		Nickname: nick,
		Roles:    m.Roles,
		JoinedAt: m.JoinedAt,
	}
}

// withUpdate returns a fresh member carrying the update, leaving the old
// record for concurrent readers.
func (m *CachedMember) withUpdate(ev *models.MemberUpdate) *CachedMember {
	nick := m.Nickname
	if ev.Nick != nil {
		nick = *ev.Nick
	}
	joined := m.JoinedAt
	if ev.JoinedAt != "" {
		joined = ev.JoinedAt
	}
	return &CachedMember{
		User:     m.User,
		Nickname: nick,
		Roles:    ev.Roles,
		JoinedAt: joined,
	}
}

// coldMember is the persisted form; the user is stored by id only and
// rejoined against the restored user index.
type coldMember struct {
	UserID   string   `json:"a"`
	Nickname string   `json:"b,omitempty"`
	Roles    []string `json:"c,omitempty"`
	JoinedAt string   `json:"d,omitempty"`
}

func (m *CachedMember) freeze() coldMember {
	return coldMember{
		UserID:   m.User.ID,
		Nickname: m.Nickname,
		Roles:    m.Roles,
		JoinedAt: m.JoinedAt,
	}
}
