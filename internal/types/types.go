package types

type User struct {
	Id       uint64 `json:"id"`
	Name     string `json:"name"`
	Password string `json:"-"`
	Admin    bool   `json:"admin,omitempty"`
}

type Session struct {
	Id       uint64 `json:"id"`
	Key      string `json:"-"`
	User     uint64 `json:"user"`
	Expires  int64  `json:"expires"`
	Timezone int    `json:"timezone"`
}

type Channel struct {
	Id   uint64 `json:"id"`
	Name string `json:"name"`
}

// ChannelMember records one user's membership in one channel. Foreign
// fields hold ids, never hydrated records.
type ChannelMember struct {
	Id         uint64 `json:"id"`
	Channel    uint64 `json:"channel"`
	User       uint64 `json:"user"`
	Admin      bool   `json:"admin,omitempty"`
	Subscribed int64  `json:"subscribed"`
}

// Message is immutable once created. User is zero for system messages.
type Message struct {
	Id        uint64 `json:"id"`
	Channel   uint64 `json:"channel"`
	User      uint64 `json:"user,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
