package cache

import "github.com/Rivistaa/Bathbot/internal/models"

type CachedEmoji struct {
	ID       string `json:"a"`
	Name     string `json:"b"`
	Animated bool   `json:"c,omitempty"`
	Managed  bool   `json:"d,omitempty"`
}

func newCachedEmoji(e models.DiscordEmoji) *CachedEmoji {
	return &CachedEmoji{
		ID:       e.ID,
		Name:     e.Name,
		Animated: e.Animated,
		Managed:  e.Managed,
	}
}
