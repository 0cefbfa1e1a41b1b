package models

// DiscordUser is a user object as it appears on the gateway.
type DiscordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot"`
	System        bool   `json:"system"`
	PublicFlags   int    `json:"public_flags"`
}

// DiscordMember is a guild member. The inner user is present on member
// add/chunk payloads; member update carries it as well.
type DiscordMember struct {
	User     DiscordUser `json:"user"`
	Nick     *string     `json:"nick"`
	Roles    []string    `json:"roles"`
	JoinedAt string      `json:"joined_at"`
}

type DiscordRole struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
	Hoist       bool   `json:"hoist"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
}

// Channel types we care about: 0=guild text, 1=DM, 2=guild voice,
// 4=category. Everything else is carried through untouched.
type DiscordChannel struct {
	ID         string        `json:"id"`
	Type       int           `json:"type"`
	GuildID    string        `json:"guild_id"`
	Name       string        `json:"name"`
	ParentID   string        `json:"parent_id"`
	Position   int           `json:"position"`
	Topic      string        `json:"topic"`
	NSFW       bool          `json:"nsfw"`
	Recipients []DiscordUser `json:"recipients"`
}

type DiscordEmoji struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Roles    []string `json:"roles"`
	Animated bool     `json:"animated"`
	Managed  bool     `json:"managed"`
}

// DiscordGuild is the GUILD_CREATE payload subset the cache mirrors.
type DiscordGuild struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Icon        string           `json:"icon"`
	OwnerID     string           `json:"owner_id"`
	MemberCount int              `json:"member_count"`
	Unavailable bool             `json:"unavailable"`
	Members     []DiscordMember  `json:"members"`
	Channels    []DiscordChannel `json:"channels"`
	Roles       []DiscordRole    `json:"roles"`
	Emojis      []DiscordEmoji   `json:"emojis"`
}

// GuildDelete is also used for outage notifications: unavailable=true
// means the guild still exists but the service lost it temporarily.
type GuildDelete struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// MemberChunk is one page of a bulk member dump.
type MemberChunk struct {
	GuildID    string          `json:"guild_id"`
	Members    []DiscordMember `json:"members"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkCount int             `json:"chunk_count"`
	Nonce      string          `json:"nonce"`
}

type MemberAdd struct {
	DiscordMember
	GuildID string `json:"guild_id"`
}

type MemberUpdate struct {
	GuildID  string      `json:"guild_id"`
	User     DiscordUser `json:"user"`
	Nick     *string     `json:"nick"`
	Roles    []string    `json:"roles"`
	JoinedAt string      `json:"joined_at"`
}

type MemberRemove struct {
	GuildID string      `json:"guild_id"`
	User    DiscordUser `json:"user"`
}

type RoleCreate struct {
	GuildID string      `json:"guild_id"`
	Role    DiscordRole `json:"role"`
}

type RoleDelete struct {
	GuildID string `json:"guild_id"`
	RoleID  string `json:"role_id"`
}

// Ready is the shard handshake payload; the guild list only carries ids
// (as unavailable stubs), the data arrives later as guild creates.
type Ready struct {
	SessionID string        `json:"session_id"`
	Guilds    []GuildDelete `json:"guilds"`
}
