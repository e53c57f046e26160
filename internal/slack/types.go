package slack

import "strings"

// Event is the Events API envelope delivered to /slack/events.
type Event struct {
	Type      string  `json:"type"`
	Challenge string  `json:"challenge,omitempty"`
	Event     Message `json:"event,omitempty"`
	TeamID    string  `json:"team_id,omitempty"`
	APIAppID  string  `json:"api_app_id,omitempty"`
	EventID   string  `json:"event_id,omitempty"`
	EventTime int64   `json:"event_time,omitempty"`
}

// Message is both a message event and a conversations.history entry.
type Message struct {
	Type        string   `json:"type"`
	Subtype     string   `json:"subtype,omitempty"`
	Channel     string   `json:"channel,omitempty"`
	ChannelType string   `json:"channel_type,omitempty"`
	User        string   `json:"user,omitempty"`
	BotID       string   `json:"bot_id,omitempty"`
	Username    string   `json:"username,omitempty"`
	Text        string   `json:"text,omitempty"`
	Timestamp   string   `json:"ts,omitempty"`
	ThreadTS    string   `json:"thread_ts,omitempty"`
	EventTS     string   `json:"event_ts,omitempty"`
	Edited      *Edited  `json:"edited,omitempty"`
	Message     *Message `json:"message,omitempty"`
}

type Edited struct {
	User      string `json:"user"`
	Timestamp string `json:"ts"`
}

// Message subtypes the dispatcher treats specially.
const (
	SubtypeMessageChanged = "message_changed"
	SubtypeMessageDeleted = "message_deleted"
)

// IsDirect reports whether the message was sent in a direct-message
// conversation with the bot.
func (m Message) IsDirect() bool {
	return m.ChannelType == "im" || strings.HasPrefix(m.Channel, "D")
}

type User struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Deleted bool        `json:"deleted"`
	IsBot   bool        `json:"is_bot"`
	Profile UserProfile `json:"profile"`
}

type UserProfile struct {
	RealName    string `json:"real_name"`
	DisplayName string `json:"display_name"`
	Image72     string `json:"image_72"`
}

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsMember   bool   `json:"is_member"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
}

// HistoryPage is one conversations.history response.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// Identity is who the bot is, as reported by auth.test.
type Identity struct {
	UserID string
	BotID  string
}

// Owns reports whether m was posted by this bot.
func (id Identity) Owns(m Message) bool {
	if id.BotID != "" && m.BotID == id.BotID {
		return true
	}
	return id.UserID != "" && m.User == id.UserID
}

type response struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error,omitempty"`
	ResponseMetadata ResponseMetadata `json:"response_metadata"`
}

type ResponseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

type authTestResponse struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id"`
}

type usersListResponse struct {
	Members          []User           `json:"members"`
	ResponseMetadata ResponseMetadata `json:"response_metadata"`
}

type conversationsListResponse struct {
	Channels         []Channel        `json:"channels"`
	ResponseMetadata ResponseMetadata `json:"response_metadata"`
}

type historyResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
