// Package bot answers Discord application commands by running the upload
// pipeline under an interaction guard.
package bot

import (
	"strings"
)

// Interaction types.
const (
	TypePing               = 1
	TypeApplicationCommand = 2
)

// Option types used by the commands.
const (
	OptionString     = 3
	OptionAttachment = 11
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Member struct {
	User User `json:"user"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

type Option struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	Value any    `json:"value"`
}

type CommandData struct {
	Name     string   `json:"name"`
	Options  []Option `json:"options"`
	Resolved struct {
		Attachments map[string]Attachment `json:"attachments"`
	} `json:"resolved"`
}

// Interaction is the inbound payload Discord posts to the interactions
// endpoint.
type Interaction struct {
	ID            string      `json:"id"`
	ApplicationID string      `json:"application_id"`
	Type          int         `json:"type"`
	Token         string      `json:"token"`
	GuildID       string      `json:"guild_id"`
	Member        *Member     `json:"member,omitempty"`
	User          *User       `json:"user,omitempty"`
	Data          CommandData `json:"data"`
}

// UserID is the invoking user, in a guild or in a DM.
func (i *Interaction) UserID() string {
	if i.Member != nil && i.Member.User.ID != "" {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// String returns the string option name, or "".
func (d *CommandData) String(name string) string {
	for _, o := range d.Options {
		if o.Name == name && o.Type == OptionString {
			if s, ok := o.Value.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Attachment resolves the attachment option name.
func (d *CommandData) Attachment(name string) (Attachment, bool) {
	for _, o := range d.Options {
		if o.Name != name || o.Type != OptionAttachment {
			continue
		}
		id, _ := o.Value.(string)
		a, ok := d.Resolved.Attachments[id]
		return a, ok
	}
	return Attachment{}, false
}
